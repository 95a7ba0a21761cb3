package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/devpm/internal/lifecycle"
	"github.com/loykin/devpm/internal/manager"
	"github.com/loykin/devpm/internal/registry"
)

// createLogsCommand creates the logs subcommand
func createLogsCommand(c *command) *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs [name...]",
		Short: "Show output and lifecycle events of services",
		Long: `Show stored output of the project's services, limited to the latest
execution of each service. Output whose start event was already removed by
retention is hidden unless --all is given.

Examples:
  devpm logs web
  devpm logs -f web api
  devpm logs -n 50 --since 10m --type stderr`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.open(ctx); err != nil {
				return err
			}
			q := registry.LogQuery{ProjectDir: c.project, Limit: flags.Lines}
			for _, a := range args {
				n, err := c.resolve(ctx, a, false)
				if err != nil {
					return err
				}
				q.CommandNames = append(q.CommandNames, n)
			}
			if flags.Since > 0 {
				q.Since = time.Now().Add(-flags.Since)
			}
			for _, t := range flags.Types {
				lt := registry.LogType(t)
				if !lt.Valid() {
					return fmt.Errorf("unknown log type %q", t)
				}
				q.Types = append(q.Types, lt)
			}
			policy := lifecycle.LiveOnly
			if flags.All {
				policy = lifecycle.KeepAll
			}

			out := cmd.OutOrStdout()
			emit := func(evs []registry.LogEvent) error {
				if c.flags.JSON {
					for _, e := range evs {
						if err := printJSON(out, e); err != nil {
							return err
						}
					}
					return nil
				}
				return printEvents(out, evs, len(q.CommandNames) != 1, flags.Timestamps)
			}
			if flags.Follow {
				err := c.mgr.Follow(ctx, manager.FollowRequest{Query: q, Policy: policy}, emit)
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			evs, err := c.mgr.Logs(ctx, q, policy)
			if err != nil {
				return err
			}
			return emit(evs)
		},
	}
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "keep printing new events")
	cmd.Flags().IntVarP(&flags.Lines, "lines", "n", 200, "number of recent events (0 for all)")
	cmd.Flags().DurationVar(&flags.Since, "since", 0, "only events newer than this, e.g. 10m")
	cmd.Flags().BoolVarP(&flags.All, "all", "a", false, "keep output with no recorded start")
	cmd.Flags().StringSliceVarP(&flags.Types, "type", "t", nil, "only these log types (stdout, stderr, started, ...)")
	cmd.Flags().BoolVar(&flags.Timestamps, "timestamps", false, "prefix each line with its timestamp")
	return cmd
}

// printEvents writes output lines verbatim and lifecycle events as
// bracketed markers.
func printEvents(w io.Writer, evs []registry.LogEvent, prefix, timestamps bool) error {
	for _, e := range evs {
		line := e.Text()
		if e.Type.IsLifecycle() {
			line = "[" + string(e.Type) + "]"
			if t := e.Text(); t != "" {
				line += " " + t
			}
		}
		if prefix {
			line = e.CommandName + " | " + line
		}
		if timestamps {
			line = e.Timestamp.Format(time.RFC3339Nano) + " " + line
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
