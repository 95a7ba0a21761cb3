// Package manager is the core API of devpm. Every method works against the
// shared registry only, so any number of devpm invocations can use it at
// the same time without talking to each other.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/loykin/devpm/internal/collector"
	"github.com/loykin/devpm/internal/config"
	"github.com/loykin/devpm/internal/ports"
	"github.com/loykin/devpm/internal/process"
	"github.com/loykin/devpm/internal/registry"
)

var (
	ErrAmbiguousName  = errors.New("ambiguous service name")
	ErrNotRunning     = errors.New("service not running")
	ErrAlreadyRunning = errors.New("service already running")
	ErrUnknownService = errors.New("unknown service")
	ErrStartTimeout   = errors.New("timed out waiting for service to start")
	ErrWaitTimeout    = errors.New("timed out waiting for service")
	ErrBadEncoding    = errors.New("stdin data is not valid base64")
)

// StartFailedError reports a start_failed event observed for a start
// request.
type StartFailedError struct {
	Name   string
	Reason string
}

func (e *StartFailedError) Error() string {
	return fmt.Sprintf("service %s failed to start: %s", e.Name, e.Reason)
}

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultStartTimeout = 30 * time.Second
	DefaultStopTimeout  = 5 * time.Second
)

// Manager answers start/stop/status/log requests from the registry.
type Manager struct {
	db      *registry.DB
	cfg     *config.Config
	spawner collector.Spawner
	ports   *ports.Allocator
	killer  process.Killer
	// alive decides whether a recorded pid still belongs to the recorded
	// process.
	alive        func(pid int, started time.Time) bool
	log          *slog.Logger
	poll         time.Duration
	startTimeout time.Duration
}

type Option func(*Manager)

// WithConfig supplies static service definitions and the port range.
func WithConfig(cfg *config.Config) Option { return func(m *Manager) { m.cfg = cfg } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

func WithPorts(a *ports.Allocator) Option { return func(m *Manager) { m.ports = a } }

func WithKiller(k process.Killer) Option { return func(m *Manager) { m.killer = k } }

// WithAliveFunc replaces the pid liveness probe.
func WithAliveFunc(f func(pid int, started time.Time) bool) Option {
	return func(m *Manager) { m.alive = f }
}

func WithPollInterval(d time.Duration) Option { return func(m *Manager) { m.poll = d } }

func WithStartTimeout(d time.Duration) Option { return func(m *Manager) { m.startTimeout = d } }

// New returns a Manager over db. spawner launches collectors for Start.
func New(db *registry.DB, spawner collector.Spawner, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, errors.New("manager: registry is required")
	}
	m := &Manager{
		db:           db,
		spawner:      spawner,
		alive:        process.SameProcess,
		log:          slog.Default(),
		poll:         DefaultPollInterval,
		startTimeout: DefaultStartTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	if m.killer.Logger == nil {
		m.killer.Logger = m.log
	}
	if m.ports == nil {
		var popts []ports.Option
		if m.cfg != nil && m.cfg.Ports.Min > 0 && m.cfg.Ports.Max > 0 {
			popts = append(popts, ports.WithRange(m.cfg.Ports.Min, m.cfg.Ports.Max))
		}
		a, err := ports.New(db, append(popts, ports.WithLogger(m.log))...)
		if err != nil {
			return nil, err
		}
		m.ports = a
	}
	return m, nil
}

// Ports exposes the port allocator bound to the same registry.
func (m *Manager) Ports() *ports.Allocator { return m.ports }

// DB returns the underlying registry handle.
func (m *Manager) DB() *registry.DB { return m.db }

// ServiceInfo is a registry entry plus its probed liveness.
type ServiceInfo struct {
	registry.ProcessEntry
	Running        bool `json:"running"`
	CollectorAlive bool `json:"collector_alive"`
}

// ListQuery narrows List. Name may contain '*' wildcards.
type ListQuery struct {
	ProjectDir string
	Name       string
}

// List returns registry entries with liveness. An entry is running when it
// has no recorded kill and its pid is alive.
func (m *Manager) List(ctx context.Context, q ListQuery) ([]ServiceInfo, error) {
	var (
		entries []registry.ProcessEntry
		err     error
	)
	switch {
	case q.ProjectDir == "":
		entries, err = m.db.FindAllProcesses(ctx)
	case q.Name != "" && !strings.Contains(q.Name, "*"):
		entries, err = m.db.FindProcessesByCommand(ctx, q.ProjectDir, q.Name)
	default:
		entries, err = m.db.FindProcessesByProject(ctx, q.ProjectDir)
	}
	if err != nil {
		return nil, err
	}
	out := make([]ServiceInfo, 0, len(entries))
	for _, e := range entries {
		if q.Name != "" && !wildcardMatch(e.CommandName, q.Name) {
			continue
		}
		out = append(out, m.info(e))
	}
	return out, nil
}

func (m *Manager) info(e registry.ProcessEntry) ServiceInfo {
	return ServiceInfo{
		ProcessEntry:   e,
		Running:        e.Live() && m.alive(e.PID, e.StartTime),
		CollectorAlive: m.alive(e.LogCollectorPID, e.CreatedAt),
	}
}

// running returns the live, running entries of one service.
func (m *Manager) running(ctx context.Context, projectDir, name string) ([]ServiceInfo, error) {
	infos, err := m.List(ctx, ListQuery{ProjectDir: projectDir, Name: name})
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(infos, func(i ServiceInfo) bool { return !i.Running }), nil
}

// ResolveName maps user input to a service name known in projectDir, from
// configured services and names with registry history. An exact match
// wins; otherwise a wildcard pattern or a prefix must match exactly one name.
func (m *Manager) ResolveName(ctx context.Context, projectDir, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("empty name: %w", ErrUnknownService)
	}
	names, err := m.knownNames(ctx, projectDir)
	if err != nil {
		return "", err
	}
	if slices.Contains(names, input) {
		return input, nil
	}
	var matches []string
	for _, n := range names {
		if strings.Contains(input, "*") {
			if wildcardMatch(n, input) {
				matches = append(matches, n)
			}
		} else if strings.HasPrefix(n, input) {
			matches = append(matches, n)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%q: %w", input, ErrUnknownService)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %s: %w", input, strings.Join(matches, ", "), ErrAmbiguousName)
	}
}

// knownNames is the sorted union of configured and recorded names.
func (m *Manager) knownNames(ctx context.Context, projectDir string) ([]string, error) {
	recorded, err := m.db.ListCommandNames(ctx, projectDir)
	if err != nil {
		return nil, err
	}
	names := append([]string(nil), recorded...)
	if m.cfg != nil {
		names = append(names, m.cfg.ServiceNames()...)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// AbsProject normalises a project directory the way it is stored.
func AbsProject(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("project dir required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// wildcardMatch matches name against a pattern with '*' wildcard (glob-like, case-sensitive).
// It returns true if the sequence of non-* segments appear in order in name.
func wildcardMatch(name, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	// fast path: no '*'
	if !strings.Contains(pattern, "*") {
		return name == pattern
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	// Leading part must match prefix if pattern doesn't start with '*'
	if parts[0] != "" {
		if !strings.HasPrefix(name, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	// Middle parts must occur in order
	for i := 1; i < len(parts)-1; i++ {
		p := parts[i]
		if p == "" {
			continue
		}
		j := strings.Index(name[idx:], p)
		if j < 0 {
			return false
		}
		idx += j + len(p)
	}
	// Trailing part must match suffix if pattern doesn't end with '*'
	last := parts[len(parts)-1]
	if last != "" {
		return strings.HasSuffix(name, last) && idx <= len(name)-len(last)
	}
	return true
}
