package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/devpm/internal/collector"
	"github.com/loykin/devpm/internal/config"
	"github.com/loykin/devpm/internal/history/factory"
	"github.com/loykin/devpm/internal/logger"
	"github.com/loykin/devpm/internal/registry"
)

// createCollectorCommand creates the hidden command a detached log
// collector runs as. It reads one launch descriptor from stdin, spawns the
// service and records its output and lifecycle until it exits.
func createCollectorCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:    "collector",
		Short:  "Supervise one service (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollector(cmd, flags, cmd.InOrStdin())
		},
	}
}

func runCollector(cmd *cobra.Command, flags *GlobalFlags, stdin io.Reader) error {
	ctx := cmd.Context()
	d, err := collector.ReadDescriptor(stdin)
	if err != nil {
		return err
	}
	cfg, err := config.Load(config.Options{File: flags.ConfigPath})
	if err != nil {
		return err
	}
	if flags.Registry != "" {
		cfg.Registry.Path = flags.Registry
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	logCfg := cfg.Log
	logCfg.File.Path = cfg.CollectorLogPath()
	log, logCloser, err := logger.New(logCfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	log = log.With("collector_pid", os.Getpid())

	db, err := registry.Open(ctx, cfg.Registry.Path)
	if err != nil {
		log.Error("open registry", "path", cfg.Registry.Path, "error", err)
		return err
	}
	defer func() { _ = db.Close() }()

	hist, err := factory.NewFanout(log, cfg.History.DSN)
	if err != nil {
		// Export is best effort; supervision goes on without it.
		log.Warn("history export disabled", "error", err)
	}
	defer func() { _ = hist.Close() }()

	col := collector.New(db,
		collector.WithLogger(log),
		collector.WithHistory(hist),
		collector.WithMirror(cfg.Log.ServiceWriters),
	)
	return col.Run(ctx, d)
}
