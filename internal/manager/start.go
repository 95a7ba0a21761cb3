package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/devpm/internal/collector"
	"github.com/loykin/devpm/internal/lifecycle"
	"github.com/loykin/devpm/internal/metrics"
	"github.com/loykin/devpm/internal/registry"
)

// StartRequest describes one service launch. With an empty Command the
// service must be defined in the configuration.
type StartRequest struct {
	ProjectDir  string   `json:"project_dir"`
	Name        string   `json:"name"`
	Command     string   `json:"command,omitempty"`
	Root        string   `json:"root,omitempty"`
	EnableStdin bool     `json:"enable_stdin,omitempty"`
	PTY         bool     `json:"pty,omitempty"`
	Env         []string `json:"env,omitempty"`
	// NoWait returns as soon as the collector is spawned.
	NoWait bool `json:"no_wait,omitempty"`
}

// StartResult is what the requester learns about a launch.
type StartResult struct {
	Name         string          `json:"name"`
	ProjectDir   string          `json:"project_dir"`
	PID          int             `json:"pid,omitempty"`
	CollectorPID int             `json:"collector_pid"`
	EventID      int64           `json:"event_id"`
	State        lifecycle.State `json:"state"`
}

var lifecycleTypes = []registry.LogType{
	registry.LogStartInitiated, registry.LogStarted, registry.LogExited, registry.LogStartFailed,
}

// Start records start_initiated, spawns a detached collector and waits
// until the collector reports started or start_failed. An observed
// start_failed is returned as *StartFailedError.
func (m *Manager) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if m.spawner == nil {
		return StartResult{}, errors.New("manager: no collector spawner configured")
	}
	d, err := m.descriptor(req)
	if err != nil {
		return StartResult{}, err
	}
	res := StartResult{Name: d.CommandName, ProjectDir: d.ProjectDir}

	live, err := m.running(ctx, d.ProjectDir, d.CommandName)
	if err != nil {
		return res, err
	}
	if len(live) > 0 {
		res.PID = live[0].PID
		res.State = lifecycle.StateRunning
		return res, fmt.Errorf("%s (pid %d): %w", d.CommandName, live[0].PID, ErrAlreadyRunning)
	}

	begin := time.Now()
	shell := d.Shell
	res.EventID, err = m.db.AppendLog(ctx, registry.LogEvent{
		CommandName: d.CommandName,
		ProjectDir:  d.ProjectDir,
		Type:        registry.LogStartInitiated,
		Content:     &shell,
		Timestamp:   begin,
	})
	if err != nil {
		return res, err
	}
	res.State = lifecycle.StateStarting

	res.CollectorPID, err = m.spawner.Spawn(ctx, d)
	if err != nil {
		reason := err.Error()
		_, _ = m.db.AppendLog(context.WithoutCancel(ctx), registry.LogEvent{
			CommandName: d.CommandName,
			ProjectDir:  d.ProjectDir,
			Type:        registry.LogStartFailed,
			Content:     &reason,
		})
		metrics.IncStart(d.CommandName, "failed")
		res.State = lifecycle.StateFailed
		return res, &StartFailedError{Name: d.CommandName, Reason: reason}
	}
	m.log.Info("collector spawned", "service", d.CommandName, "project", d.ProjectDir, "collector_pid", res.CollectorPID)
	if req.NoWait {
		return res, nil
	}

	err = m.awaitStart(ctx, &res)
	metrics.ObserveStartDuration(d.CommandName, time.Since(begin).Seconds())
	switch {
	case err == nil:
		metrics.IncStart(d.CommandName, "started")
	case errors.As(err, new(*StartFailedError)):
		metrics.IncStart(d.CommandName, "failed")
	default:
		metrics.IncStart(d.CommandName, "unknown")
	}
	return res, err
}

// descriptor merges the request with the configured service definition.
func (m *Manager) descriptor(req StartRequest) (collector.Descriptor, error) {
	project, err := AbsProject(req.ProjectDir)
	if err != nil {
		return collector.Descriptor{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return collector.Descriptor{}, errors.New("service name required")
	}
	d := collector.Descriptor{
		CommandName: name,
		ProjectDir:  project,
		Shell:       req.Command,
		Root:        req.Root,
		PTY:         req.PTY,
		EnableStdin: req.EnableStdin,
	}
	if m.cfg != nil {
		// Ad-hoc services still get the global env layers.
		svc, ok := m.cfg.Service(name)
		if ok {
			if d.Shell == "" {
				d.Shell = svc.Command
			}
			if d.Root == "" {
				d.Root = svc.Root
			}
			d.PTY = d.PTY || svc.PTY
			d.EnableStdin = d.EnableStdin || svc.EnableStdin
		}
		env, err := m.cfg.ServiceEnv(svc, project)
		if err != nil {
			return d, fmt.Errorf("service %s env: %w", name, err)
		}
		d.Env = env
	}
	if d.Shell == "" {
		return d, fmt.Errorf("%s has no command: %w", name, ErrUnknownService)
	}
	d.Env = append(d.Env, req.Env...)
	return d, d.Validate()
}

// awaitStart polls lifecycle events after res.EventID.
func (m *Manager) awaitStart(ctx context.Context, res *StartResult) error {
	deadline := time.Now().Add(m.startTimeout)
	t := time.NewTicker(m.poll)
	defer t.Stop()
	collectorGoneChecks := 0
	for {
		evs, err := m.db.FetchLogs(ctx, registry.LogQuery{
			ProjectDir:   res.ProjectDir,
			CommandNames: []string{res.Name},
			AfterID:      res.EventID,
			Types:        lifecycleTypes,
		})
		if err != nil {
			return err
		}
		for _, e := range evs {
			switch e.Type {
			case registry.LogStarted:
				res.State = lifecycle.StateRunning
				if live, err := m.running(ctx, res.ProjectDir, res.Name); err == nil && len(live) > 0 {
					res.PID = live[0].PID
				}
				return nil
			case registry.LogStartFailed:
				res.State = lifecycle.StateFailed
				return &StartFailedError{Name: res.Name, Reason: e.Text()}
			}
		}
		// One extra round after the collector vanished catches events it
		// wrote just before exiting.
		if !m.alive(res.CollectorPID, time.Time{}) {
			collectorGoneChecks++
			if collectorGoneChecks > 1 {
				res.State = lifecycle.StateFailed
				return &StartFailedError{Name: res.Name, Reason: "log collector exited without reporting"}
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s after %s: %w", res.Name, m.startTimeout, ErrStartTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Restart stops the service if it runs, waits for its collector to record
// the exit, then starts it again.
func (m *Manager) Restart(ctx context.Context, req StartRequest, stop StopRequest) (StartResult, error) {
	stop.ProjectDir = req.ProjectDir
	stop.Names = []string{req.Name}
	stop.WaitExit = true
	if _, err := m.Stop(ctx, stop); err != nil && !errors.Is(err, ErrNotRunning) {
		return StartResult{}, err
	}
	return m.Start(ctx, req)
}
