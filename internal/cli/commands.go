package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCommand(g *Global, actions Actions) *cobra.Command {
	opts := RunOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch an engine and own it until shutdown",
		Long: `Launch an engine (or adopt the one given by --attach), serve the control socket
and keep the session alive until a shutdown request, engine exit, or interrupt.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Wait && !opts.Start {
				return &UsageError{Err: fmt.Errorf("--wait requires --start")}
			}
			if opts.Attach != "" && opts.Project != "" {
				return &UsageError{Err: fmt.Errorf("--project cannot be combined with --attach")}
			}
			if err := positiveTimeout("timeout", opts.Timeout); err != nil {
				return err
			}
			return actions.Run(cmd.Context(), *g, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Project, "project", "", "project (.opf) to open or create")
	cmd.Flags().StringVar(&opts.Attach, "attach", "", "own the running engine at HOST:PORT instead of launching")
	cmd.Flags().BoolVar(&opts.Start, "start", false, "start the project once the engine is up")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "with --start, wait for the execution to finish")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "bound for --wait (0 waits indefinitely)")
	return cmd
}

func newAttachCommand(g *Global, actions Actions) *cobra.Command {
	return &cobra.Command{
		Use:   "attach [HOST:PORT]",
		Short: "Connect to a running engine and print its info",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := AttachOptions{}
			if len(args) == 1 {
				opts.Address = args[0]
			}
			return actions.Attach(cmd.Context(), *g, opts)
		},
	}
}

func newStatusCommand(g *Global, actions Actions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the owner session and project state",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return actions.Status(cmd.Context(), *g)
		},
	}
}

func newStartCommand(g *Global, actions Actions) *cobra.Command {
	opts := StartOptions{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the project in the owner session",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := positiveTimeout("timeout", opts.Timeout); err != nil {
				return err
			}
			return actions.Start(cmd.Context(), *g, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.WaitStarted, "wait-started", false, "wait until processing has started")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "wait until the execution has finished")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "bound for the wait (0 waits indefinitely)")
	return cmd
}

func newStopCommand(g *Global, actions Actions) *cobra.Command {
	opts := StopOptions{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running project in the owner session",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := positiveTimeout("timeout", opts.Timeout); err != nil {
				return err
			}
			return actions.Stop(cmd.Context(), *g, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Gently, "gently", false, "let running designs finish before stopping")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "wait until the execution has stopped")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "bound for the wait (0 waits indefinitely)")
	return cmd
}

func newShutdownCommand(g *Global, actions Actions) *cobra.Command {
	opts := ShutdownOptions{}
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Shut the engine down and end the owner session",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return actions.Shutdown(cmd.Context(), *g, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "terminate a launched engine that does not exit on its own")
	return cmd
}

func newListenCommand(g *Global, actions Actions) *cobra.Command {
	opts := ListenOptions{}
	cmd := &cobra.Command{
		Use:   "listen [HOST:PORT]",
		Short: "Register a listener and stream notifications as JSON lines",
		Long: `Register a notification listener with the engine and print every notification as
one JSON object per line. Without HOST:PORT the engine of the owner session is used,
falling back to server.host/server.port from the config.`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Address = args[0]
			}
			if opts.Count < 0 {
				return &UsageError{Err: fmt.Errorf("--count must not be negative")}
			}
			if err := positiveTimeout("timeout", opts.Timeout); err != nil {
				return err
			}
			return actions.Listen(cmd.Context(), *g, opts)
		},
	}
	cmd.Flags().StringSliceVarP(&opts.Notifications, "notification", "n", nil, "notification kinds to subscribe to (default from config)")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many notifications (0 streams until interrupted)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "exit after this long (0 streams until interrupted)")
	return cmd
}

func newDoctorCommand(g *Global, actions Actions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run configuration and environment checks",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return actions.Doctor(cmd.Context(), *g)
		},
	}
}

func newVersionCommand(g *Global, actions Actions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return actions.Version(cmd.Context(), *g)
		},
	}
}
