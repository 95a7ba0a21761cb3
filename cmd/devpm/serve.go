package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/loykin/devpm/internal/metrics"
	"github.com/loykin/devpm/internal/server"
)

const shutdownTimeout = 5 * time.Second

// createServeCommand creates the serve subcommand
func createServeCommand(c *command) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API over the registry",
		Long: `Serve the REST API on the configured address. The server is a thin
layer over the same registry the CLI uses; services it starts keep running
after it exits.

Examples:
  devpm serve
  devpm serve --listen 127.0.0.1:0 --metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.open(ctx); err != nil {
				return err
			}
			listen, base := c.cfg.Server.Listen, c.cfg.Server.BasePath
			if cmd.Flags().Changed("listen") {
				listen = flags.Listen
			}
			if cmd.Flags().Changed("base-path") {
				base = flags.BasePath
			}
			withMetrics := c.cfg.Metrics.Enabled || flags.Metrics
			if withMetrics {
				if err := c.registerMetrics(); err != nil {
					return err
				}
			}

			sched := cron.New()
			if c.cfg.Server.SweepSchedule != "" {
				if _, err := sched.AddFunc(c.cfg.Server.SweepSchedule, func() { c.sweep(ctx) }); err != nil {
					return fmt.Errorf("schedule retention sweep: %w", err)
				}
			}
			sched.Start()
			defer func() { <-sched.Stop().Done() }()

			router := server.NewRouter(c.mgr, base,
				server.WithSweeper(c.sweeper),
				server.WithMetrics(withMetrics),
				server.WithLogger(c.log),
			)
			return serve(ctx, c, server.NewServer(listen, router), cmd)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (default server.listen)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "URL prefix of every endpoint (default server.base_path)")
	cmd.Flags().BoolVar(&flags.Metrics, "metrics", false, "expose Prometheus metrics at <base-path>/metrics")
	return cmd
}

// serve runs srv until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, c *command, srv *http.Server, cmd *cobra.Command) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	c.log.Info("serving", "addr", ln.Addr().String(), "registry", c.db.Path())
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s\n", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Follow streams may hold connections open past the deadline.
		c.log.Warn("shutdown", "error", err)
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (c *command) registerMetrics() error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	err := prometheus.DefaultRegisterer.Register(metrics.NewRegistryCollector(c.db, c.log))
	var are prometheus.AlreadyRegisteredError
	if err != nil && !errors.As(err, &are) {
		return fmt.Errorf("register registry metrics: %w", err)
	}
	return nil
}

func (c *command) sweep(ctx context.Context) {
	rep, err := c.sweeper.MaybeRun(ctx)
	if err != nil {
		c.log.Warn("retention sweep failed", "error", err)
		return
	}
	if rep.Ran {
		c.log.Info("retention sweep", "expired", rep.ExpiredLogs, "trimmed", rep.TrimmedLogs, "stale", rep.StaleRemoved)
	}
}
