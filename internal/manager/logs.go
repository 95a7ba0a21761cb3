package manager

import (
	"cmp"
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/devpm/internal/lifecycle"
	"github.com/loykin/devpm/internal/registry"
)

// followBatch bounds one cursor read in follow mode.
const followBatch = 500

// Logs returns events matching q, reduced to each service's latest
// execution under policy. The cut is made at each service's newest
// start_initiated in the registry, also when q's window or type filter
// excludes that event.
func (m *Manager) Logs(ctx context.Context, q registry.LogQuery, policy lifecycle.Policy) ([]registry.LogEvent, error) {
	evs, err := m.db.FetchLogs(ctx, q)
	if err != nil {
		return nil, err
	}
	return m.applyAnchored(ctx, lifecycle.NewFilter(policy), evs, make(map[serviceRef]bool))
}

type serviceRef struct{ project, name string }

// applyAnchored runs f over evs after merging in the newest start marker of
// every service not anchored before. Injected markers are dropped from the
// result unless evs contained them.
func (m *Manager) applyAnchored(ctx context.Context, f *lifecycle.Filter, evs []registry.LogEvent, anchored map[serviceRef]bool) ([]registry.LogEvent, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	in := make(map[int64]bool, len(evs))
	hasMarker := make(map[serviceRef]bool)
	for _, e := range evs {
		in[e.ID] = true
		if e.Type == registry.LogStartInitiated {
			hasMarker[serviceRef{e.ProjectDir, e.CommandName}] = true
		}
	}
	var markers []registry.LogEvent
	for _, e := range evs {
		k := serviceRef{e.ProjectDir, e.CommandName}
		if anchored[k] {
			continue
		}
		anchored[k] = true
		if hasMarker[k] {
			continue
		}
		last, err := m.db.FetchLogs(ctx, registry.LogQuery{
			ProjectDir:   k.project,
			CommandNames: []string{k.name},
			Types:        []registry.LogType{registry.LogStartInitiated},
			Limit:        1,
		})
		if err != nil {
			return nil, err
		}
		markers = append(markers, last...)
	}
	if len(markers) == 0 {
		return f.Apply(evs), nil
	}
	merged := append(markers, evs...)
	slices.SortFunc(merged, func(a, b registry.LogEvent) int { return cmp.Compare(a.ID, b.ID) })
	out := f.Apply(merged)
	return slices.DeleteFunc(out, func(e registry.LogEvent) bool { return !in[e.ID] }), nil
}

// FollowRequest configures Follow. Query.Limit bounds the initial tail.
type FollowRequest struct {
	Query  registry.LogQuery
	Policy lifecycle.Policy
	// Interval is the fallback polling period; writes to the registry wake
	// the follower earlier.
	Interval time.Duration
}

// Follow emits the initial tail and then every new matching event until
// ctx is done or emit fails. Batches are filtered by one stateful Filter so
// a restart inside the stream cuts off the previous execution.
func (m *Manager) Follow(ctx context.Context, req FollowRequest, emit func([]registry.LogEvent) error) error {
	interval := req.Interval
	if interval <= 0 {
		interval = m.poll
	}
	filter := lifecycle.NewFilter(req.Policy)
	anchored := make(map[serviceRef]bool)
	var err error

	// Taken before the initial read: when the window is empty the live
	// loop starts here instead of replaying events the window excluded.
	cursor := req.Query.AfterID
	if cursor == 0 {
		if cursor, err = m.db.LatestLogID(ctx, req.Query.ProjectDir); err != nil {
			return err
		}
	}
	initial, err := m.db.FetchLogs(ctx, req.Query)
	if err != nil {
		return err
	}
	if n := len(initial); n > 0 {
		cursor = initial[n-1].ID
	}
	out, err := m.applyAnchored(ctx, filter, initial, anchored)
	if err != nil {
		return err
	}
	if len(out) > 0 {
		if err := emit(out); err != nil {
			return err
		}
	}

	wake, stop := m.watchWAL()
	defer stop()
	t := time.NewTicker(interval)
	defer t.Stop()

	q := req.Query
	q.Since = time.Time{}
	q.Limit = followBatch
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-wake:
		}
		for {
			q.AfterID = cursor
			batch, err := m.db.FetchLogs(ctx, q)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if len(batch) == 0 {
				break
			}
			cursor = batch[len(batch)-1].ID
			out, err := m.applyAnchored(ctx, filter, batch, anchored)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if len(out) > 0 {
				if err := emit(out); err != nil {
					return err
				}
			}
			if len(batch) < followBatch {
				break
			}
		}
	}
}

// watchWAL signals writes to the registry's database or WAL file. When
// fsnotify is unavailable the channel never fires and polling takes over.
func (m *Manager) watchWAL() (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)
	path := m.db.Path()
	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Debug("fsnotify unavailable, polling", "error", err)
		return wake, func() {}
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		m.log.Debug("watch registry dir", "error", err)
		return wake, func() {}
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) && strings.HasPrefix(ev.Name, path) {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return wake, func() {
		close(done)
		_ = w.Close()
	}
}

// SendStdin queues data for a running service whose collector reads stdin.
func (m *Manager) SendStdin(ctx context.Context, projectDir, name, data string, encoded bool) (int64, error) {
	project, err := AbsProject(projectDir)
	if err != nil {
		return 0, err
	}
	live, err := m.running(ctx, project, name)
	if err != nil {
		return 0, err
	}
	if len(live) == 0 {
		return 0, fmt.Errorf("%s: %w", name, ErrNotRunning)
	}
	enc := registry.EncodingUTF8
	if encoded {
		if _, err := base64.StdEncoding.DecodeString(data); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadEncoding, err)
		}
		enc = registry.EncodingBase64
	}
	return m.db.PushStdin(ctx, registry.StdinMessage{
		CommandName: name,
		ProjectDir:  project,
		Data:        data,
		Encoding:    enc,
	})
}

// ClearLogs deletes stored events of the named services, or of the whole
// project when names is empty.
func (m *Manager) ClearLogs(ctx context.Context, projectDir string, names []string) (int64, error) {
	project, err := AbsProject(projectDir)
	if err != nil {
		return 0, err
	}
	return m.db.ClearLogs(ctx, project, names)
}
