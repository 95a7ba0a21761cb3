package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/loykin/devpm/internal/ports"
	"github.com/loykin/devpm/internal/registry"
)

// createPortCommand creates the port command group
func createPortCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Reserve and release TCP ports for services",
		Long: `Reservations keep two services from picking the same port. A reserved
port is bindable on 127.0.0.1 at reservation time and stays assigned to the
(project, service) pair until released.

Examples:
  devpm port reserve api
  devpm port get api
  devpm port release api
  devpm port release --port 3005
  devpm port list --all`,
	}
	cmd.AddCommand(
		createPortReserveCommand(c),
		createPortGetCommand(c),
		createPortReleaseCommand(c),
		createPortListCommand(c),
	)
	return cmd
}

func createPortReserveCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "reserve [service]",
		Short: "Reserve a free port, or print the one already reserved",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.open(ctx); err != nil {
				return err
			}
			rp, err := c.mgr.Ports().Reserve(ctx, c.project, firstArg(args))
			if err != nil && !errors.Is(err, ports.ErrAlreadyReserved) {
				return err
			}
			return printPort(cmd, c.flags.JSON, rp)
		},
	}
}

func createPortGetCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "get [service]",
		Short: "Print the port reserved for a service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.open(ctx); err != nil {
				return err
			}
			rp, err := c.mgr.Ports().Get(ctx, c.project, firstArg(args))
			if err != nil {
				return err
			}
			return printPort(cmd, c.flags.JSON, rp)
		},
	}
}

func createPortReleaseCommand(c *command) *cobra.Command {
	flags := &PortFlags{}
	cmd := &cobra.Command{
		Use:   "release [service]",
		Short: "Release a reservation",
		Long: `Release the reservation of a service, a single port with --port, or every
reservation of the project with --all.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.open(ctx); err != nil {
				return err
			}
			alloc := c.mgr.Ports()
			var released []int
			switch {
			case flags.Port != 0:
				if err := alloc.ReleasePort(ctx, flags.Port); err != nil {
					return err
				}
				released = []int{flags.Port}
			case flags.All:
				held, err := alloc.List(ctx, c.project)
				if err != nil {
					return err
				}
				if _, err := alloc.ReleaseProject(ctx, c.project); err != nil {
					return err
				}
				for _, p := range held {
					released = append(released, p.Port)
				}
			default:
				rp, err := alloc.Release(ctx, c.project, firstArg(args))
				if err != nil {
					return err
				}
				released = []int{rp.Port}
			}
			if c.flags.JSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{"released": released})
			}
			for _, p := range released {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "released", strconv.Itoa(p))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&flags.Port, "port", 0, "release this port number")
	cmd.Flags().BoolVar(&flags.All, "all", false, "release every reservation of the project")
	cmd.MarkFlagsMutuallyExclusive("port", "all")
	return cmd
}

func createPortListCommand(c *command) *cobra.Command {
	flags := &PortFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reserved ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.open(ctx); err != nil {
				return err
			}
			project := c.project
			if flags.All {
				project = ""
			}
			ps, err := c.mgr.Ports().List(ctx, project)
			if err != nil {
				return err
			}
			if c.flags.JSON {
				return printJSON(cmd.OutOrStdout(), ps)
			}
			tw := newTable(cmd.OutOrStdout(), "PORT", "SERVICE", "ASSIGNED", "PROJECT")
			for _, p := range ps {
				tw.row(p.Port, p.ServiceName, since(p.AssignedAt), p.ProjectDir)
			}
			return tw.flush()
		},
	}
	cmd.Flags().BoolVarP(&flags.All, "all", "a", false, "list every project")
	return cmd
}

func printPort(cmd *cobra.Command, asJSON bool, rp registry.ReservedPort) error {
	if asJSON {
		return printJSON(cmd.OutOrStdout(), rp)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), rp.Port)
	return err
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
