package devpm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/devpm/internal/collector"
	"github.com/loykin/devpm/internal/config"
	"github.com/loykin/devpm/internal/lifecycle"
	"github.com/loykin/devpm/internal/logger"
	"github.com/loykin/devpm/internal/manager"
	"github.com/loykin/devpm/internal/metrics"
	"github.com/loykin/devpm/internal/ports"
	"github.com/loykin/devpm/internal/registry"
	"github.com/loykin/devpm/internal/retention"
	"github.com/loykin/devpm/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type (
	StartRequest  = manager.StartRequest
	StartResult   = manager.StartResult
	StopRequest   = manager.StopRequest
	StopResult    = manager.StopResult
	ListQuery     = manager.ListQuery
	ServiceInfo   = manager.ServiceInfo
	StatusRequest = manager.StatusRequest
	ServiceStatus = manager.ServiceStatus
	WaitRequest   = manager.WaitRequest
	WaitResult    = manager.WaitResult
	FollowRequest = manager.FollowRequest

	LogQuery     = registry.LogQuery
	LogEvent     = registry.LogEvent
	LogType      = registry.LogType
	ReservedPort = registry.ReservedPort

	State       = lifecycle.State
	Policy      = lifecycle.Policy
	SweepReport = retention.Report
)

const (
	KeepAll  = lifecycle.KeepAll
	LiveOnly = lifecycle.LiveOnly
)

var (
	ErrAmbiguousName   = manager.ErrAmbiguousName
	ErrNotRunning      = manager.ErrNotRunning
	ErrAlreadyRunning  = manager.ErrAlreadyRunning
	ErrUnknownService  = manager.ErrUnknownService
	ErrStartTimeout    = manager.ErrStartTimeout
	ErrWaitTimeout     = manager.ErrWaitTimeout
	ErrAlreadyReserved = ports.ErrAlreadyReserved
	ErrNotReserved     = ports.ErrNotReserved
	ErrNoPortAvailable = ports.ErrNoPortAvailable
)

// LoadConfig reads the devpm config, merging projectDir's devpm.toml when
// projectDir is not empty.
func LoadConfig(path, projectDir string) (*Config, error) {
	return config.Load(config.Options{File: path, ProjectDir: projectDir})
}

// Options configures Open.
type Options struct {
	// ConfigFile defaults to <home>/devpm.toml.
	ConfigFile string
	// Registry overrides registry.path.
	Registry string
	// Executable is the devpm binary collectors are spawned from. When empty
	// devpm is looked up on PATH, falling back to the current executable.
	Executable string
	Logger     *slog.Logger
}

// Supervisor is a thin facade over the registry-backed manager. Any number
// of Supervisors, in any number of processes, may share one registry.
type Supervisor struct {
	cfg     *Config
	db      *registry.DB
	mgr     *manager.Manager
	sweeper *retention.Sweeper
	log     *slog.Logger
	closers []io.Closer
}

// Open loads the config, opens the registry and runs a due retention sweep.
func Open(ctx context.Context, opts Options) (*Supervisor, error) {
	cfg, err := config.Load(config.Options{File: opts.ConfigFile})
	if err != nil {
		return nil, err
	}
	if opts.Registry != "" {
		cfg.Registry.Path = opts.Registry
	}
	s := &Supervisor{cfg: cfg, log: opts.Logger}
	if s.log == nil {
		l, closer, err := logger.New(cfg.Log, os.Stderr)
		if err != nil {
			return nil, err
		}
		s.log = l
		s.closers = append(s.closers, closer)
	}
	if s.db, err = registry.Open(ctx, cfg.Registry.Path); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.closers = append(s.closers, s.db)
	if s.sweeper, err = retention.New(s.db, cfg.Retention.Policy(), s.log); err != nil {
		_ = s.Close()
		return nil, err
	}
	if _, err := s.sweeper.MaybeRun(ctx); err != nil {
		s.log.Warn("retention sweep failed", "error", err)
	}

	exe := opts.Executable
	if exe == "" {
		if p, err := exec.LookPath("devpm"); err == nil {
			exe = p
		}
	}
	args := []string{"collector", "--registry", cfg.Registry.Path}
	if cfg.File != "" {
		args = append(args, "--config", cfg.File)
	}
	spawner := collector.ExecSpawner{Executable: exe, Args: args, Logger: s.log}
	if s.mgr, err = manager.New(s.db, spawner, manager.WithConfig(cfg), manager.WithLogger(s.log)); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the registry. Services keep running.
func (s *Supervisor) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Supervisor) Config() *Config { return s.cfg }

func (s *Supervisor) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	return s.mgr.Start(ctx, req)
}

func (s *Supervisor) Stop(ctx context.Context, req StopRequest) ([]StopResult, error) {
	return s.mgr.Stop(ctx, req)
}

func (s *Supervisor) Restart(ctx context.Context, req StartRequest, stop StopRequest) (StartResult, error) {
	return s.mgr.Restart(ctx, req, stop)
}

func (s *Supervisor) List(ctx context.Context, q ListQuery) ([]ServiceInfo, error) {
	return s.mgr.List(ctx, q)
}

func (s *Supervisor) Status(ctx context.Context, req StatusRequest) ([]ServiceStatus, error) {
	return s.mgr.Status(ctx, req)
}

func (s *Supervisor) WaitFor(ctx context.Context, req WaitRequest) (WaitResult, error) {
	return s.mgr.WaitFor(ctx, req)
}

func (s *Supervisor) Logs(ctx context.Context, q LogQuery, p Policy) ([]LogEvent, error) {
	return s.mgr.Logs(ctx, q, p)
}

func (s *Supervisor) Follow(ctx context.Context, req FollowRequest, emit func([]LogEvent) error) error {
	return s.mgr.Follow(ctx, req, emit)
}

func (s *Supervisor) ClearLogs(ctx context.Context, projectDir string, names []string) (int64, error) {
	return s.mgr.ClearLogs(ctx, projectDir, names)
}

// SendStdin queues data for a running service started with EnableStdin.
// With encoded set, data is base64.
func (s *Supervisor) SendStdin(ctx context.Context, projectDir, name, data string, encoded bool) (int64, error) {
	return s.mgr.SendStdin(ctx, projectDir, name, data, encoded)
}

// ResolveName maps a prefix or '*' pattern to one known service name.
func (s *Supervisor) ResolveName(ctx context.Context, projectDir, input string) (string, error) {
	return s.mgr.ResolveName(ctx, projectDir, input)
}

func (s *Supervisor) ReservePort(ctx context.Context, projectDir, service string) (ReservedPort, error) {
	return s.mgr.Ports().Reserve(ctx, projectDir, service)
}

func (s *Supervisor) GetPort(ctx context.Context, projectDir, service string) (ReservedPort, error) {
	return s.mgr.Ports().Get(ctx, projectDir, service)
}

func (s *Supervisor) ReleasePort(ctx context.Context, projectDir, service string) (ReservedPort, error) {
	return s.mgr.Ports().Release(ctx, projectDir, service)
}

func (s *Supervisor) ListPorts(ctx context.Context, projectDir string) ([]ReservedPort, error) {
	return s.mgr.Ports().List(ctx, projectDir)
}

// Sweep runs retention now, regardless of when it last ran.
func (s *Supervisor) Sweep(ctx context.Context) (SweepReport, error) {
	return s.sweeper.Run(ctx)
}

// Handler returns the REST API as an http.Handler mounted at basePath.
func (s *Supervisor) Handler(basePath string, withMetrics bool) http.Handler {
	return s.router(basePath, withMetrics).Handler()
}

// RegisterRoutes adds the REST API to an existing gin group.
func (s *Supervisor) RegisterRoutes(group *gin.RouterGroup, withMetrics bool) {
	s.router("", withMetrics).Register(group)
}

func (s *Supervisor) router(basePath string, withMetrics bool) *server.Router {
	return server.NewRouter(s.mgr, basePath,
		server.WithSweeper(s.sweeper),
		server.WithMetrics(withMetrics),
		server.WithLogger(s.log),
	)
}

// RegisterMetrics registers devpm metrics, including a scrape-time view of
// the registry, with r.
func (s *Supervisor) RegisterMetrics(r prometheus.Registerer) error {
	if err := metrics.Register(r); err != nil {
		return err
	}
	err := r.Register(metrics.NewRegistryCollector(s.db, s.log))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}
