// Package ports hands out TCP ports to projects and services so concurrent
// dev servers never fight over the same number.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/loykin/devpm/internal/metrics"
	"github.com/loykin/devpm/internal/registry"
)

const (
	DefaultMin = 3000
	DefaultMax = 9999

	// maxConflicts bounds how often another devpm instance may win the
	// insert race before Reserve gives up.
	maxConflicts = 10
)

var (
	ErrAlreadyReserved = errors.New("port already reserved for service")
	ErrNotReserved     = errors.New("no port reserved")
	ErrNoPortAvailable = errors.New("no port available in range")
)

// Store is the subset of the registry the allocator needs.
type Store interface {
	InsertPort(ctx context.Context, p registry.ReservedPort) error
	GetPort(ctx context.Context, projectDir, serviceName string) (registry.ReservedPort, error)
	ListPorts(ctx context.Context, projectDir string) ([]registry.ReservedPort, error)
	IsPortReserved(ctx context.Context, port int) (bool, error)
	ReleasePort(ctx context.Context, port int) (bool, error)
	ReleaseProjectPorts(ctx context.Context, projectDir string) (int64, error)
	NextPortCandidate(ctx context.Context, lo, hi int) (int, error)
}

// Allocator reserves ports from [Min, Max]. A candidate must be absent from
// the registry and bindable on loopback.
type Allocator struct {
	store Store
	min   int
	max   int
	// Bindable is swapped in tests.
	Bindable func(port int) bool
	log      *slog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithRange overrides the default 3000-9999 range.
func WithRange(lo, hi int) Option {
	return func(a *Allocator) { a.min, a.max = lo, hi }
}

// WithLogger sets the logger used for race diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) { a.log = l }
}

func New(store Store, opts ...Option) (*Allocator, error) {
	a := &Allocator{store: store, min: DefaultMin, max: DefaultMax, Bindable: canBind, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.min <= 0 || a.max > 65535 || a.min > a.max {
		return nil, fmt.Errorf("invalid port range %d-%d", a.min, a.max)
	}
	return a, nil
}

// Range returns the configured bounds.
func (a *Allocator) Range() (lo, hi int) { return a.min, a.max }

// Reserve picks a free port for projectDir. A non-empty serviceName may hold
// only one reservation per project.
func (a *Allocator) Reserve(ctx context.Context, projectDir, serviceName string) (registry.ReservedPort, error) {
	if projectDir == "" {
		return registry.ReservedPort{}, errors.New("project dir required")
	}
	if serviceName != "" {
		existing, err := a.store.GetPort(ctx, projectDir, serviceName)
		if err == nil {
			metrics.IncPortReservation("already_reserved")
			return existing, fmt.Errorf("%s/%s holds %d: %w", projectDir, serviceName, existing.Port, ErrAlreadyReserved)
		}
		if !errors.Is(err, registry.ErrNotFound) {
			return registry.ReservedPort{}, err
		}
	}

	conflicts := 0
	span := a.max - a.min + 1
	for i := 0; i < span; i++ {
		if err := ctx.Err(); err != nil {
			return registry.ReservedPort{}, err
		}
		port, err := a.store.NextPortCandidate(ctx, a.min, a.max)
		if err != nil {
			return registry.ReservedPort{}, err
		}
		taken, err := a.store.IsPortReserved(ctx, port)
		if err != nil {
			return registry.ReservedPort{}, err
		}
		if taken || !a.Bindable(port) {
			continue
		}
		rp := registry.ReservedPort{Port: port, ProjectDir: projectDir, ServiceName: serviceName, AssignedAt: time.Now()}
		err = a.store.InsertPort(ctx, rp)
		if err == nil {
			a.log.Debug("port reserved", "port", port, "project", projectDir, "service", serviceName)
			metrics.IncPortReservation("reserved")
			return rp, nil
		}
		if !errors.Is(err, registry.ErrConflict) {
			return registry.ReservedPort{}, err
		}
		// Either the port or the service was claimed concurrently.
		if serviceName != "" {
			if existing, gerr := a.store.GetPort(ctx, projectDir, serviceName); gerr == nil {
				return existing, fmt.Errorf("%s/%s holds %d: %w", projectDir, serviceName, existing.Port, ErrAlreadyReserved)
			}
		}
		conflicts++
		a.log.Debug("port reservation race", "port", port, "attempt", conflicts)
		if conflicts >= maxConflicts {
			metrics.IncPortReservation("conflict")
			return registry.ReservedPort{}, fmt.Errorf("reserve port after %d conflicts: %w", conflicts, err)
		}
	}
	metrics.IncPortReservation("exhausted")
	return registry.ReservedPort{}, fmt.Errorf("%d-%d: %w", a.min, a.max, ErrNoPortAvailable)
}

// Get returns the reservation of a service, or the project-level one when
// serviceName is empty.
func (a *Allocator) Get(ctx context.Context, projectDir, serviceName string) (registry.ReservedPort, error) {
	rp, err := a.store.GetPort(ctx, projectDir, serviceName)
	if errors.Is(err, registry.ErrNotFound) {
		return rp, ErrNotReserved
	}
	return rp, err
}

// Release frees the reservation of a service (or the project-level one).
func (a *Allocator) Release(ctx context.Context, projectDir, serviceName string) (registry.ReservedPort, error) {
	rp, err := a.Get(ctx, projectDir, serviceName)
	if err != nil {
		return rp, err
	}
	ok, err := a.store.ReleasePort(ctx, rp.Port)
	if err != nil {
		return rp, err
	}
	if !ok {
		return rp, ErrNotReserved
	}
	return rp, nil
}

// ReleasePort frees a reservation by number.
func (a *Allocator) ReleasePort(ctx context.Context, port int) error {
	ok, err := a.store.ReleasePort(ctx, port)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("port %d: %w", port, ErrNotReserved)
	}
	return nil
}

// ReleaseProject frees every reservation of a project.
func (a *Allocator) ReleaseProject(ctx context.Context, projectDir string) (int64, error) {
	return a.store.ReleaseProjectPorts(ctx, projectDir)
}

// List returns reservations of a project, or all when projectDir is empty.
func (a *Allocator) List(ctx context.Context, projectDir string) ([]registry.ReservedPort, error) {
	return a.store.ListPorts(ctx, projectDir)
}

// canBind tries to listen on loopback. Another process can still grab the
// port afterwards; the check only filters ports that are busy right now.
func canBind(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
