// Package retention bounds the event log by age and per-service volume and
// reconciles registry rows whose processes vanished without a trace.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/devpm/internal/metrics"
	"github.com/loykin/devpm/internal/process"
	"github.com/loykin/devpm/internal/registry"
)

const (
	DefaultMaxLogsPerService   = 1000
	DefaultMaxRetentionSeconds = 86400

	// Interval is the minimum spacing between lazily triggered sweeps.
	Interval = 10 * time.Minute
)

// Policy holds the eviction limits.
type Policy struct {
	MaxLogsPerService   int
	MaxRetentionSeconds int
}

// DefaultPolicy returns the limits used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{MaxLogsPerService: DefaultMaxLogsPerService, MaxRetentionSeconds: DefaultMaxRetentionSeconds}
}

// Validate rejects non-positive limits.
func (p Policy) Validate() error {
	if p.MaxLogsPerService <= 0 {
		return fmt.Errorf("maxLogsPerService must be a positive integer, got %d", p.MaxLogsPerService)
	}
	if p.MaxRetentionSeconds <= 0 {
		return fmt.Errorf("maxRetentionSeconds must be a positive integer, got %d", p.MaxRetentionSeconds)
	}
	return nil
}

// Report summarises one sweep.
type Report struct {
	Ran          bool          `json:"ran"`
	ExpiredLogs  int64         `json:"expired_logs"`
	TrimmedLogs  int64         `json:"trimmed_logs"`
	TrimmedGroup int           `json:"trimmed_services"`
	StaleRemoved int           `json:"stale_removed"`
	Compacted    bool          `json:"compacted"`
	Took         time.Duration `json:"took"`
}

// Sweeper runs the retention policy against a registry.
type Sweeper struct {
	db     *registry.DB
	policy Policy
	log    *slog.Logger
	now    func() time.Time
	// Alive decides whether a pid recorded at start is still the same
	// running process; swapped in tests.
	Alive func(pid int, recordedStart time.Time) bool
	// OnSweep, when set, observes every completed sweep.
	OnSweep func(Report)
}

// New validates policy and returns a Sweeper. A nil logger means slog.Default().
func New(db *registry.DB, policy Policy, logger *slog.Logger) (*Sweeper, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{db: db, policy: policy, log: logger, now: time.Now, Alive: process.SameProcess}, nil
}

// MaybeRun sweeps only if no sweep was claimed within Interval. The claim
// is a conditional single-row update, so of several concurrent invocations
// exactly one proceeds.
func (s *Sweeper) MaybeRun(ctx context.Context) (Report, error) {
	claimed, err := s.db.ClaimCleanup(ctx, s.now(), Interval)
	if err != nil {
		return Report{}, err
	}
	if !claimed {
		return Report{}, nil
	}
	return s.sweep(ctx)
}

// Run sweeps unconditionally and stamps the cleanup time.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	if err := s.db.StampCleanup(ctx, s.now()); err != nil {
		return Report{}, err
	}
	return s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) (Report, error) {
	start := s.now()
	rep := Report{Ran: true}

	cutoff := start.Add(-time.Duration(s.policy.MaxRetentionSeconds) * time.Second)
	n, err := s.db.DeleteLogsOlderThan(ctx, cutoff)
	if err != nil {
		return rep, err
	}
	rep.ExpiredLogs = n

	stale, err := s.CleanupStale(ctx)
	rep.StaleRemoved = stale
	if err != nil {
		return rep, err
	}

	over, err := s.db.ServicesOverLimit(ctx, s.policy.MaxLogsPerService)
	if err != nil {
		return rep, err
	}
	for _, g := range over {
		n, err := s.db.TrimService(ctx, g.ProjectDir, g.CommandName, s.policy.MaxLogsPerService)
		if err != nil {
			return rep, err
		}
		rep.TrimmedLogs += n
		rep.TrimmedGroup++
	}

	if err := s.db.Compact(ctx); err != nil {
		// Another connection holding a read transaction blocks VACUUM; the
		// next sweep will try again.
		s.log.Debug("registry compaction skipped", "error", err)
	} else {
		rep.Compacted = true
	}
	rep.Took = time.Since(start)
	s.log.Info("retention sweep finished",
		"expired", rep.ExpiredLogs, "trimmed", rep.TrimmedLogs, "stale", rep.StaleRemoved, "took", rep.Took)
	metrics.RecordSweep(rep.ExpiredLogs, rep.TrimmedLogs, rep.StaleRemoved)
	if s.OnSweep != nil {
		s.OnSweep(rep)
	}
	return rep, nil
}

// CleanupStale removes process rows whose collector and service are both
// dead, leaving exactly one exited event per removed row. Rows with a live
// collector are trusted even when the service pid looks dead.
func (s *Sweeper) CleanupStale(ctx context.Context) (int, error) {
	entries, err := s.db.FindAllProcesses(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if s.Alive(e.LogCollectorPID, e.CreatedAt) {
			continue
		}
		if s.Alive(e.PID, e.StartTime) {
			s.log.Debug("orphaned service still alive", "service", e.CommandName, "pid", e.PID)
			continue
		}
		// Delete first: only the cleaner that removes the row records the exit.
		claimed, err := s.db.DeleteProcess(ctx, e.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !claimed {
			continue
		}
		content := "process no longer running (log collector gone)"
		if e.KilledAt != nil {
			content = "process killed"
		}
		if _, err := s.db.AppendLog(ctx, registry.LogEvent{
			ProjectDir:  e.ProjectDir,
			CommandName: e.CommandName,
			Type:        registry.LogExited,
			Content:     &content,
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		s.log.Info("removed stale process entry", "service", e.CommandName, "project", e.ProjectDir, "pid", e.PID)
	}
	return removed, errors.Join(errs...)
}
