package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loykin/devpm/internal/collector"
	"github.com/loykin/devpm/internal/config"
	"github.com/loykin/devpm/internal/logger"
	"github.com/loykin/devpm/internal/manager"
	"github.com/loykin/devpm/internal/registry"
	"github.com/loykin/devpm/internal/retention"
)

// command carries what one CLI invocation opens: config, logger, registry
// and the manager over it. Everything is opened lazily by open so --help
// and flag errors touch nothing.
type command struct {
	flags *GlobalFlags

	project string
	cfg     *config.Config
	log     *slog.Logger
	db      *registry.DB
	mgr     *manager.Manager
	sweeper *retention.Sweeper
	closers []io.Closer
}

// open loads the config before touching the registry, so a bad config
// never causes a mutation, then runs the lazy retention sweep.
func (c *command) open(ctx context.Context) error {
	if c.mgr != nil {
		return nil
	}
	project, err := c.projectDir()
	if err != nil {
		return err
	}
	cfg, err := config.Load(config.Options{File: c.flags.ConfigPath, ProjectDir: project})
	if err != nil {
		return err
	}
	if c.flags.Registry != "" {
		cfg.Registry.Path = c.flags.Registry
	}
	if c.flags.LogLevel != "" {
		cfg.Log.Level = c.flags.LogLevel
	}
	// CLI diagnostics go to stderr; the log file is the collector's.
	logCfg := cfg.Log
	logCfg.File.Path = ""
	log, closer, err := logger.New(logCfg, os.Stderr)
	if err != nil {
		return err
	}
	c.closers = append(c.closers, closer)

	db, err := registry.Open(ctx, cfg.Registry.Path)
	if err != nil {
		return err
	}
	c.closers = append(c.closers, db)

	sweeper, err := retention.New(db, cfg.Retention.Policy(), log)
	if err != nil {
		return err
	}
	if _, err := sweeper.MaybeRun(ctx); err != nil {
		log.Warn("retention sweep failed", "error", err)
	}

	mgr, err := manager.New(db, c.spawner(cfg, log),
		manager.WithConfig(cfg),
		manager.WithLogger(log),
	)
	if err != nil {
		return err
	}
	c.project, c.cfg, c.log, c.db, c.sweeper, c.mgr = project, cfg, log, db, sweeper, mgr
	return nil
}

// spawner re-executes this binary as a detached collector pointed at the
// same registry and config.
func (c *command) spawner(cfg *config.Config, log *slog.Logger) collector.Spawner {
	args := []string{"collector", "--registry", cfg.Registry.Path}
	if cfg.File != "" {
		args = append(args, "--config", cfg.File)
	}
	return collector.ExecSpawner{Args: args, Logger: log}
}

func (c *command) projectDir() (string, error) {
	dir := c.flags.ProjectDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve project dir: %w", err)
		}
		dir = wd
	}
	return manager.AbsProject(dir)
}

// resolve maps a user-typed name to a known service; with an explicit
// command the name is taken as given.
func (c *command) resolve(ctx context.Context, name string, explicit bool) (string, error) {
	if explicit {
		return name, nil
	}
	return c.mgr.ResolveName(ctx, c.project, name)
}

func (c *command) close() {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i].Close())
	}
	c.closers = nil
	if err := errors.Join(errs...); err != nil && c.log != nil {
		c.log.Debug("close", "error", err)
	}
}
