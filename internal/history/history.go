// Package history exports lifecycle transitions of supervised services to
// external analytics stores. Export is best effort: the registry remains
// the source of truth and a failing sink never affects supervision.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStarted     EventType = "started"
	EventStartFailed EventType = "start_failed"
	EventExited      EventType = "exited"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type        EventType `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	ProjectDir  string    `json:"project_dir"`
	CommandName string    `json:"command_name"`
	PID         int       `json:"pid"`
	Content     string    `json:"content,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}

// Fanout forwards events to every sink it holds.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
}

// NewFanout returns a Fanout bounding each Send by timeout.
func NewFanout(logger *slog.Logger, timeout time.Duration, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fanout{sinks: sinks, timeout: timeout, log: logger}
}

// Len returns the number of sinks.
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

// Send delivers e to every sink. Failures are logged at warn and joined
// into the returned error; callers usually ignore it.
func (f *Fanout) Send(ctx context.Context, e Event) error {
	if f == nil {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	var errs []error
	for _, s := range f.sinks {
		sctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := s.Send(sctx, e)
		cancel()
		if err != nil {
			f.log.Warn("history sink failed", "type", e.Type, "service", e.CommandName, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
