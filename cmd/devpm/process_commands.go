package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/devpm/internal/config"
	"github.com/loykin/devpm/internal/lifecycle"
	"github.com/loykin/devpm/internal/manager"
)

// createStartCommand creates the start subcommand
func createStartCommand(c *command) *cobra.Command {
	flags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a service",
		Long: `Start a service of the current project. Without --cmd the service must
be defined in devpm.toml; the name may be a unique prefix or a '*' pattern.

Examples:
  devpm start web --cmd "npm run dev"
  devpm start api --root backend --env PORT=4000
  devpm start worker --stdin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.open(ctx); err != nil {
				return err
			}
			name, err := c.resolve(ctx, args[0], flags.Cmd != "")
			if err != nil {
				return err
			}
			req, err := flags.request(c.project, name)
			if err != nil {
				return err
			}
			res, err := c.mgr.Start(ctx, req)
			if err != nil {
				return err
			}
			return printStart(cmd, c.flags.JSON, res)
		},
	}
	addStartFlags(cmd, flags)
	cmd.Flags().BoolVar(&flags.NoWait, "no-wait", false, "return once the collector is spawned")
	return cmd
}

func addStartFlags(cmd *cobra.Command, flags *StartFlags) {
	cmd.Flags().StringVar(&flags.Cmd, "cmd", "", "shell command to run (overrides devpm.toml)")
	cmd.Flags().StringVar(&flags.Root, "root", "", "working directory relative to the project")
	cmd.Flags().BoolVar(&flags.EnableStdin, "stdin", false, "accept input from 'devpm send'")
	cmd.Flags().BoolVar(&flags.PTY, "pty", false, "run under a pseudo-terminal")
	cmd.Flags().StringArrayVarP(&flags.Env, "env", "e", nil, "extra environment KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&flags.EnvFiles, "env-file", nil, "read extra environment from a dotenv file (repeatable)")
}

// request builds the start request. --env-file entries come first so that
// --env wins on conflicts.
func (f *StartFlags) request(project, name string) (manager.StartRequest, error) {
	var env []string
	for _, file := range f.EnvFiles {
		if !filepath.IsAbs(file) {
			file = filepath.Join(project, file)
		}
		kv, err := config.LoadEnvFile(file)
		if err != nil {
			return manager.StartRequest{}, fmt.Errorf("env file: %w", err)
		}
		env = append(env, kv...)
	}
	return manager.StartRequest{
		ProjectDir:  project,
		Name:        name,
		Command:     f.Cmd,
		Root:        f.Root,
		EnableStdin: f.EnableStdin,
		PTY:         f.PTY,
		Env:         append(env, f.Env...),
		NoWait:      f.NoWait,
	}, nil
}

func printStart(cmd *cobra.Command, asJSON bool, res manager.StartResult) error {
	if asJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	if res.PID > 0 {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (pid %d)\n", res.Name, res.State, res.PID)
		return err
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (collector pid %d)\n", res.Name, res.State, res.CollectorPID)
	return err
}

// createStopCommand creates the stop subcommand
func createStopCommand(c *command) *cobra.Command {
	flags := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop [name...]",
		Short: "Stop services",
		Long: `Stop the process trees of services in the current project. Without
names every service of the project is stopped.

Examples:
  devpm stop web
  devpm stop 'worker-*' --force
  devpm stop --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.open(ctx); err != nil {
				return err
			}
			results, err := c.mgr.Stop(ctx, manager.StopRequest{
				ProjectDir: c.project,
				Names:      args,
				Force:      flags.Force,
				Timeout:    flags.Timeout,
				WaitExit:   flags.Wait,
			})
			if err != nil {
				return err
			}
			if c.flags.JSON {
				return printJSON(cmd.OutOrStdout(), results)
			}
			var failed []string
			for _, r := range results {
				line := fmt.Sprintf("%s (pid %d): %s", r.Name, r.PID, r.Result)
				if r.Error != "" {
					line += ": " + r.Error
					failed = append(failed, r.Name)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if len(failed) > 0 {
				return fmt.Errorf("could not stop %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&flags.Force, "force", "f", false, "send SIGKILL instead of SIGTERM")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", manager.DefaultStopTimeout, "grace period before escalating to SIGKILL")
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "wait until collectors have recorded the exit")
	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(c *command) *cobra.Command {
	flags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "restart <name>",
		Short: "Stop a service if it runs, then start it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.open(ctx); err != nil {
				return err
			}
			name, err := c.resolve(ctx, args[0], flags.Cmd != "")
			if err != nil {
				return err
			}
			req, err := flags.request(c.project, name)
			if err != nil {
				return err
			}
			res, err := c.mgr.Restart(ctx, req, manager.StopRequest{Timeout: flags.Timeout})
			if err != nil {
				return err
			}
			return printStart(cmd, c.flags.JSON, res)
		},
	}
	addStartFlags(cmd, flags)
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", manager.DefaultStopTimeout, "grace period before escalating to SIGKILL")
	return cmd
}

// createListCommand creates the list subcommand
func createListCommand(c *command) *cobra.Command {
	flags := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.open(ctx); err != nil {
				return err
			}
			q := manager.ListQuery{ProjectDir: c.project}
			if flags.All {
				q.ProjectDir = ""
			}
			infos, err := c.mgr.List(ctx, q)
			if err != nil {
				return err
			}
			if c.flags.JSON {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			tw := newTable(cmd.OutOrStdout(), "NAME", "PID", "COLLECTOR", "RUNNING", "UPTIME", "PROJECT")
			for _, i := range infos {
				uptime := "-"
				if i.Running {
					uptime = time.Since(i.StartTime).Round(time.Second).String()
				}
				tw.row(i.CommandName, i.PID, i.LogCollectorPID, i.Running, uptime, i.ProjectDir)
			}
			return tw.flush()
		},
	}
	cmd.Flags().BoolVarP(&flags.All, "all", "a", false, "list every project")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c *command) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [name...]",
		Short: "Show lifecycle state of services",
		Long: `Show the lifecycle state of the project's services, derived from their
event history, together with whether the process is alive.

Examples:
  devpm status
  devpm status web --usage`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.open(ctx); err != nil {
				return err
			}
			names := make([]string, 0, len(args))
			for _, a := range args {
				n, err := c.resolve(ctx, a, false)
				if err != nil {
					return err
				}
				names = append(names, n)
			}
			sts, err := c.mgr.Status(ctx, manager.StatusRequest{ProjectDir: c.project, Names: names, Usage: flags.Usage})
			if err != nil {
				return err
			}
			if c.flags.JSON {
				return printJSON(cmd.OutOrStdout(), sts)
			}
			tw := newTable(cmd.OutOrStdout(), "NAME", "STATE", "SINCE", "PID", "PORT", "CPU%", "MEM", "DETAIL")
			for _, s := range sts {
				state := s.Lifecycle.State.String()
				if s.Stale {
					state += " (stale)"
				}
				cpu, mem := "-", "-"
				if s.Usage != nil {
					cpu = fmt.Sprintf("%.1f", s.Usage.CPUPercent)
					mem = fmt.Sprintf("%.1fMB", s.Usage.MemoryMB)
				}
				tw.row(s.Name, state, since(s.Lifecycle.Since), dash(s.PID), dash(s.Port), cpu, mem, s.Lifecycle.Detail)
			}
			return tw.flush()
		},
	}
	cmd.Flags().BoolVar(&flags.Usage, "usage", false, "sample CPU and memory of running process trees")
	return cmd
}

// createSendCommand creates the send subcommand
func createSendCommand(c *command) *cobra.Command {
	flags := &SendFlags{}
	cmd := &cobra.Command{
		Use:   "send <name> <text...>",
		Short: "Write to the stdin of a running service",
		Long: `Queue text for a service started with --stdin. A newline is appended
unless --no-newline is given. With --base64 the text is decoded first.

Examples:
  devpm send repl "print(1)"
  devpm send app --base64 AAEC --no-newline`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.open(ctx); err != nil {
				return err
			}
			name, err := c.resolve(ctx, args[0], false)
			if err != nil {
				return err
			}
			data := strings.Join(args[1:], " ")
			if !flags.NoNewline && !flags.Base64 {
				data += "\n"
			}
			id, err := c.mgr.SendStdin(ctx, c.project, name, data, flags.Base64)
			if err != nil {
				return err
			}
			if c.flags.JSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "name": name})
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.Base64, "base64", false, "text is base64 encoded binary data")
	cmd.Flags().BoolVarP(&flags.NoNewline, "no-newline", "n", false, "do not append a newline")
	return cmd
}

// createWaitCommand creates the wait subcommand
func createWaitCommand(c *command) *cobra.Command {
	flags := &WaitFlags{}
	cmd := &cobra.Command{
		Use:   "wait <name>",
		Short: "Block until a service reaches a state or prints a line",
		Long: `Wait until the service reaches a lifecycle state (default running), or
with --pattern until its current execution prints a matching line.

Examples:
  devpm wait web
  devpm wait web --pattern 'listening on :\d+'
  devpm wait migrate --until exited --timeout 2m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.open(ctx); err != nil {
				return err
			}
			name, err := c.resolve(ctx, args[0], false)
			if err != nil {
				return err
			}
			req := manager.WaitRequest{ProjectDir: c.project, Name: name, Timeout: flags.Timeout}
			if flags.Until != "" {
				if req.Until, err = lifecycle.ParseState(flags.Until); err != nil {
					return err
				}
			}
			if flags.Pattern != "" {
				if req.Pattern, err = regexp.Compile(flags.Pattern); err != nil {
					return fmt.Errorf("invalid --pattern: %w", err)
				}
			}
			res, err := c.mgr.WaitFor(ctx, req)
			if err != nil {
				return err
			}
			if c.flags.JSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			if res.Match != nil {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Match.Text())
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", name, res.Lifecycle.State)
			return err
		},
	}
	cmd.Flags().StringVar(&flags.Until, "until", "", "state to wait for: starting, running, exited, failed")
	cmd.Flags().StringVar(&flags.Pattern, "pattern", "", "regular expression to wait for in the output")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", time.Minute, "give up after this long (0 waits forever)")
	return cmd
}

// createCleanCommand creates the clean subcommand
func createCleanCommand(c *command) *cobra.Command {
	flags := &CleanFlags{}
	cmd := &cobra.Command{
		Use:   "clean [name...]",
		Short: "Run the retention sweep now",
		Long: `Expire old log events, trim services over their log limit, remove stale
registry entries and compact the registry. With --logs the stored logs of
the named services (or the whole project) are deleted as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.open(ctx); err != nil {
				return err
			}
			if !flags.Logs && len(args) > 0 {
				return errors.New("service names require --logs")
			}
			out := map[string]any{}
			if flags.Logs {
				n, err := c.mgr.ClearLogs(ctx, c.project, args)
				if err != nil {
					return err
				}
				out["cleared_logs"] = n
			}
			rep, err := c.sweeper.Run(ctx)
			if err != nil {
				return err
			}
			out["sweep"] = rep
			if c.flags.JSON {
				return printJSON(cmd.OutOrStdout(), out)
			}
			if n, ok := out["cleared_logs"]; ok {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared %d log events\n", n)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "expired %d, trimmed %d, stale entries removed %d\n",
				rep.ExpiredLogs, rep.TrimmedLogs, rep.StaleRemoved)
			return err
		},
	}
	cmd.Flags().BoolVar(&flags.Logs, "logs", false, "also delete stored logs of the project or named services")
	return cmd
}
