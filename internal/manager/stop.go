package manager

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/loykin/devpm/internal/metrics"
	"github.com/loykin/devpm/internal/process"
	"github.com/loykin/devpm/internal/registry"
)

// StopRequest selects services of a project. Empty Names means every
// service of the project; names may contain '*' wildcards.
type StopRequest struct {
	ProjectDir string   `json:"project_dir"`
	Names      []string `json:"names,omitempty"`
	// Force sends SIGKILL instead of SIGTERM.
	Force bool `json:"force,omitempty"`
	// Timeout is how long to wait for a terminated tree before escalating
	// to SIGKILL. Zero skips waiting.
	Timeout time.Duration `json:"timeout,omitempty"`
	// WaitExit blocks until each collector has recorded the exit and
	// removed its entry, bounded by Timeout plus the collector's drain.
	WaitExit bool `json:"wait_exit,omitempty"`
}

// StopResult is the outcome for one registry entry.
type StopResult struct {
	Name   string             `json:"name"`
	PID    int                `json:"pid"`
	Result process.KillResult `json:"result"`
	Error  string             `json:"error,omitempty"`
}

// Stop kills the process trees of the selected live entries. A tree that
// is already gone is reconciled (entry removed, exited recorded) when its
// collector is gone too. ErrNotRunning is returned when nothing matched.
func (m *Manager) Stop(ctx context.Context, req StopRequest) ([]StopResult, error) {
	project, err := AbsProject(req.ProjectDir)
	if err != nil {
		return nil, err
	}
	entries, err := m.db.FindProcessesByProject(ctx, project)
	if err != nil {
		return nil, err
	}
	var targets []registry.ProcessEntry
	for _, e := range entries {
		if !e.Live() || !matchesAny(e.CommandName, req.Names) {
			continue
		}
		targets = append(targets, e)
	}
	if len(targets) == 0 {
		if len(req.Names) == 0 {
			return nil, fmt.Errorf("no services in %s: %w", project, ErrNotRunning)
		}
		return nil, fmt.Errorf("%v: %w", req.Names, ErrNotRunning)
	}

	sig := process.SignalTerm
	if req.Force {
		sig = process.SignalKill
	}
	results := make([]StopResult, 0, len(targets))
	for _, e := range targets {
		r := m.stopOne(ctx, e, sig, req.Timeout)
		metrics.IncStop(e.CommandName, r.Result.String())
		results = append(results, r)
	}
	if req.WaitExit {
		m.awaitRemoval(ctx, targets, req.Timeout)
	}
	return results, nil
}

func (m *Manager) stopOne(ctx context.Context, e registry.ProcessEntry, sig syscall.Signal, timeout time.Duration) StopResult {
	r := StopResult{Name: e.CommandName, PID: e.PID}
	log := m.log.With("service", e.CommandName, "project", e.ProjectDir, "pid", e.PID)

	// A reused pid is not ours to signal.
	if !m.alive(e.PID, e.StartTime) {
		r.Result = process.KillNotFound
	} else {
		res, err := m.killer.KillTree(ctx, e.PID, sig)
		r.Result = res
		if err != nil {
			r.Error = err.Error()
			log.Warn("kill tree", "result", res, "error", err)
		}
	}
	if r.Result == process.KillError {
		return r
	}
	if err := m.db.MarkKilled(ctx, e.ID, time.Now()); err != nil && !errors.Is(err, registry.ErrNotFound) {
		log.Warn("mark killed", "error", err)
	}

	if r.Result == process.KillNotFound {
		if !m.alive(e.LogCollectorPID, e.CreatedAt) {
			m.reconcile(ctx, e)
		}
		return r
	}
	if timeout > 0 && sig != process.SignalKill && !process.WaitGone(ctx, e.PID, timeout) {
		log.Info("service ignored SIGTERM, escalating", "timeout", timeout)
		if _, err := m.killer.KillTree(ctx, e.PID, process.SignalKill); err != nil {
			r.Error = err.Error()
		}
	}
	log.Info("service stopped", "result", r.Result, "signal", sig)
	return r
}

// reconcile removes an entry whose service and collector are both gone and
// records the exit nobody else will.
// A concurrent sweep may get there first; whoever deletes the row writes
// the exited event.
func (m *Manager) reconcile(ctx context.Context, e registry.ProcessEntry) {
	claimed, err := m.db.DeleteProcess(ctx, e.ID)
	if err != nil {
		m.log.Warn("delete stale entry", "service", e.CommandName, "error", err)
		return
	}
	if !claimed {
		return
	}
	reason := "process killed"
	if _, err := m.db.AppendLog(ctx, registry.LogEvent{
		CommandName: e.CommandName,
		ProjectDir:  e.ProjectDir,
		Type:        registry.LogExited,
		Content:     &reason,
	}); err != nil {
		m.log.Warn("record reconciled exit", "service", e.CommandName, "error", err)
	}
}

// awaitRemoval waits until collectors have deleted the stopped entries.
func (m *Manager) awaitRemoval(ctx context.Context, entries []registry.ProcessEntry, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	// Collectors drain output for up to two seconds after the exit.
	deadline := time.Now().Add(timeout + 3*time.Second)
	t := time.NewTicker(m.poll)
	defer t.Stop()
	pending := entries
	for len(pending) > 0 && time.Now().Before(deadline) {
		next := pending[:0]
		for _, e := range pending {
			if _, err := m.db.GetProcess(ctx, e.ID); err == nil {
				next = append(next, e)
			}
		}
		pending = next
		if len(pending) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
	for _, e := range pending {
		m.log.Warn("collector did not record exit in time", "service", e.CommandName, "pid", e.PID)
	}
}

func matchesAny(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if wildcardMatch(name, p) {
			return true
		}
	}
	return false
}
