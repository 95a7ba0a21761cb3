package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root, c := buildRoot()
	err := root.ExecuteContext(ctx)
	c.close()
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "devpm:", err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached. The
// returned command holds whatever the invocation opened; close it after
// Execute.
func buildRoot() (*cobra.Command, *command) {
	globalFlags := &GlobalFlags{}
	devpmCommand := &command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(devpmCommand),
		createStopCommand(devpmCommand),
		createRestartCommand(devpmCommand),
		createListCommand(devpmCommand),
		createStatusCommand(devpmCommand),
		createLogsCommand(devpmCommand),
		createSendCommand(devpmCommand),
		createWaitCommand(devpmCommand),
		createCleanCommand(devpmCommand),
		createServeCommand(devpmCommand),
		createPortCommand(devpmCommand),
		createCollectorCommand(globalFlags),
	)
	return root, devpmCommand
}

// createRootCommand creates the root command with the persistent flags
// every subcommand shares.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "devpm",
		Short: "Local process supervisor for development services",
		Long: `devpm starts, stops and watches the services of a project. Every
invocation works directly against a shared registry, so there is no daemon
to keep running.

Examples:
  devpm start web --cmd "npm run dev"
  devpm logs -f web
  devpm status
  devpm port reserve api
  devpm stop web`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default <home>/devpm.toml)")
	root.PersistentFlags().StringVarP(&flags.ProjectDir, "project", "p", "", "project directory (default current directory)")
	root.PersistentFlags().StringVar(&flags.Registry, "registry", "", "registry database path (overrides registry.path)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print machine-readable JSON")
	return root
}
