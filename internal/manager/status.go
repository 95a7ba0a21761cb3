package manager

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/loykin/devpm/internal/lifecycle"
	"github.com/loykin/devpm/internal/metrics"
	"github.com/loykin/devpm/internal/registry"
)

// ServiceStatus combines the event-derived lifecycle state with the
// registry's authoritative running flag.
type ServiceStatus struct {
	Name         string             `json:"name"`
	ProjectDir   string             `json:"project_dir"`
	Lifecycle    lifecycle.Snapshot `json:"lifecycle"`
	Running      bool               `json:"running"`
	PID          int                `json:"pid,omitempty"`
	CollectorPID int                `json:"collector_pid,omitempty"`
	// Stale marks a non-terminal lifecycle with nothing left running, e.g.
	// after a reboot. Stale cleanup will record the exit.
	Stale bool           `json:"stale,omitempty"`
	Port  int            `json:"port,omitempty"`
	Usage *metrics.Usage `json:"usage,omitempty"`
}

// StatusRequest selects services; empty Names means every known service.
type StatusRequest struct {
	ProjectDir string
	Names      []string
	// Usage samples CPU and memory of running process trees.
	Usage bool
}

// Status reports each selected service.
func (m *Manager) Status(ctx context.Context, req StatusRequest) ([]ServiceStatus, error) {
	project, err := AbsProject(req.ProjectDir)
	if err != nil {
		return nil, err
	}
	names := req.Names
	if len(names) == 0 {
		if names, err = m.knownNames(ctx, project); err != nil {
			return nil, err
		}
	}
	out := make([]ServiceStatus, 0, len(names))
	for _, name := range names {
		st, err := m.status(ctx, project, name, req.Usage)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (m *Manager) status(ctx context.Context, project, name string, usage bool) (ServiceStatus, error) {
	st := ServiceStatus{Name: name, ProjectDir: project}
	snap, err := m.snapshot(ctx, project, name)
	if err != nil {
		return st, err
	}
	st.Lifecycle = snap

	infos, err := m.List(ctx, ListQuery{ProjectDir: project, Name: name})
	if err != nil {
		return st, err
	}
	collectorAlive := false
	for _, i := range infos {
		collectorAlive = collectorAlive || i.CollectorAlive
		if i.Running && !st.Running {
			st.Running = true
			st.PID = i.PID
			st.CollectorPID = i.LogCollectorPID
		}
	}
	st.Stale = !snap.State.Terminal() && snap.State != lifecycle.StateNotStarted && !st.Running && !collectorAlive

	if rp, err := m.ports.Get(ctx, project, name); err == nil {
		st.Port = rp.Port
	}
	if usage && st.Running {
		pids, err := m.killer.Descendants(ctx, st.PID)
		if err != nil {
			m.log.Debug("descendants for usage", "service", name, "error", err)
		}
		if u, err := metrics.SampleTree(ctx, pids); err == nil {
			st.Usage = &u
		}
	}
	return st, nil
}

// snapshot derives the state from the newest lifecycle event only; the
// last lifecycle event always decides.
func (m *Manager) snapshot(ctx context.Context, project, name string) (lifecycle.Snapshot, error) {
	evs, err := m.db.FetchLogs(ctx, registry.LogQuery{
		ProjectDir:   project,
		CommandNames: []string{name},
		Types:        lifecycleTypes,
		Limit:        1,
	})
	if err != nil {
		return lifecycle.Snapshot{}, err
	}
	return lifecycle.Derive(evs), nil
}

// WaitRequest describes a blocking wait on one service.
type WaitRequest struct {
	ProjectDir string
	Name       string
	// Until is the lifecycle state to wait for; the zero value waits for
	// StateRunning. Ignored when Pattern is set.
	Until lifecycle.State
	// Pattern waits for an output line of the latest execution instead.
	Pattern *regexp.Regexp
	Timeout time.Duration
}

// WaitResult reports the state reached and, for pattern waits, the line.
type WaitResult struct {
	Lifecycle lifecycle.Snapshot `json:"lifecycle"`
	Match     *registry.LogEvent `json:"match,omitempty"`
}

// WaitFor blocks until req is satisfied, the service reaches a terminal
// state that makes it unsatisfiable, the timeout elapses or ctx ends.
func (m *Manager) WaitFor(ctx context.Context, req WaitRequest) (WaitResult, error) {
	project, err := AbsProject(req.ProjectDir)
	if err != nil {
		return WaitResult{}, err
	}
	until := req.Until
	if until == lifecycle.StateNotStarted {
		until = lifecycle.StateRunning
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	if req.Pattern != nil {
		return m.waitPattern(ctx, project, req)
	}

	t := time.NewTicker(m.poll)
	defer t.Stop()
	for {
		snap, err := m.snapshot(ctx, project, req.Name)
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return WaitResult{}, timeoutErr(req.Name, err)
		}
		res := WaitResult{Lifecycle: snap}
		if snap.State == until {
			return res, nil
		}
		if snap.State == lifecycle.StateFailed {
			// Waiting for the end accepts any end.
			if until == lifecycle.StateExited {
				return res, nil
			}
			return res, &StartFailedError{Name: req.Name, Reason: snap.Detail}
		}
		if snap.State.Terminal() && !until.Terminal() {
			return res, fmt.Errorf("%s %s: %w", req.Name, snap.Detail, ErrNotRunning)
		}
		select {
		case <-ctx.Done():
			return res, timeoutErr(req.Name, ctx.Err())
		case <-t.C:
		}
	}
}

func (m *Manager) waitPattern(ctx context.Context, project string, req WaitRequest) (WaitResult, error) {
	var (
		res   WaitResult
		found = errors.New("found")
	)
	q := registry.LogQuery{ProjectDir: project, CommandNames: []string{req.Name}}
	err := m.Follow(ctx, FollowRequest{Query: q, Policy: lifecycle.LiveOnly}, func(evs []registry.LogEvent) error {
		for _, e := range evs {
			switch e.Type {
			case registry.LogStdout, registry.LogStderr:
				if req.Pattern.MatchString(e.Text()) {
					ev := e
					res.Match = &ev
					return found
				}
			case registry.LogStartInitiated, registry.LogStarted:
				res.Lifecycle = lifecycle.Snapshot{State: mustTransition(e.Type), EventID: e.ID, Since: e.Timestamp, Detail: e.Text()}
			case registry.LogStartFailed:
				return &StartFailedError{Name: req.Name, Reason: e.Text()}
			case registry.LogExited:
				return fmt.Errorf("%s exited before %q appeared: %w", req.Name, req.Pattern, ErrNotRunning)
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, found):
		return res, nil
	case ctx.Err() != nil:
		return res, timeoutErr(req.Name, ctx.Err())
	}
	return res, err
}

func mustTransition(t registry.LogType) lifecycle.State {
	s, _ := lifecycle.Transition(t)
	return s
}

func timeoutErr(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", name, ErrWaitTimeout)
	}
	return err
}
