// Package cli defines the oslctl command tree. Commands parse flags into option structs
// and hand them to an Actions implementation.
package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// LogLevels are the accepted --log-level values.
var LogLevels = []string{"debug", "info", "warn", "error"}

// Global holds persistent flags shared by every command.
type Global struct {
	ConfigPath string
	LogLevel   string
}

// RunOptions controls `oslctl run`.
type RunOptions struct {
	Project string
	// Attach is host:port of a running engine to own instead of launching one.
	Attach  string
	Start   bool
	Wait    bool
	Timeout time.Duration
}

// AttachOptions controls `oslctl attach`.
type AttachOptions struct {
	Address string
}

// StartOptions controls `oslctl start`.
type StartOptions struct {
	WaitStarted bool
	Wait        bool
	Timeout     time.Duration
}

// StopOptions controls `oslctl stop`.
type StopOptions struct {
	Gently  bool
	Wait    bool
	Timeout time.Duration
}

// ShutdownOptions controls `oslctl shutdown`.
type ShutdownOptions struct {
	Force bool
}

// ListenOptions controls `oslctl listen`.
type ListenOptions struct {
	Address       string
	Notifications []string
	Count         int
	Timeout       time.Duration
}

// Actions executes parsed commands.
type Actions interface {
	Run(ctx context.Context, g Global, opts RunOptions) error
	Attach(ctx context.Context, g Global, opts AttachOptions) error
	Status(ctx context.Context, g Global) error
	Start(ctx context.Context, g Global, opts StartOptions) error
	Stop(ctx context.Context, g Global, opts StopOptions) error
	Shutdown(ctx context.Context, g Global, opts ShutdownOptions) error
	Listen(ctx context.Context, g Global, opts ListenOptions) error
	Doctor(ctx context.Context, g Global) error
	Version(ctx context.Context, g Global) error
}

// UsageError marks errors caused by bad arguments or flags.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

// IsUsageError reports whether err came from argument or flag parsing.
func IsUsageError(err error) bool {
	var usage *UsageError
	if errors.As(err, &usage) {
		return true
	}
	// cobra reports unknown subcommands from its own argument validation.
	return err != nil && strings.HasPrefix(err.Error(), "unknown command")
}

// ExitError carries a specific process exit code. Err may be nil when the command
// already reported the failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewRootCommand creates the root command for the oslctl CLI.
func NewRootCommand(actions Actions) *cobra.Command {
	g := &Global{}

	cmd := &cobra.Command{
		Use:   "oslctl",
		Short: "Launch, supervise and control an optiSLang engine",
		Long: `oslctl starts an optiSLang engine (or attaches to a running one), owns it from a
long-lived session, and forwards project commands to that session over a local
control socket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(LogLevels, strings.ToLower(g.LogLevel)) {
				return &UsageError{Err: fmt.Errorf("invalid log level %q: must be one of %v", g.LogLevel, LogLevels)}
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &UsageError{Err: err}
	})

	cmd.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "config file path (default $XDG_CONFIG_HOME/oslctl/config.jsonc)")
	cmd.PersistentFlags().StringVar(&g.LogLevel, "log-level", "info", "runtime log level (debug|info|warn|error)")

	cmd.AddCommand(
		newRunCommand(g, actions),
		newAttachCommand(g, actions),
		newStatusCommand(g, actions),
		newStartCommand(g, actions),
		newStopCommand(g, actions),
		newShutdownCommand(g, actions),
		newListenCommand(g, actions),
		newDoctorCommand(g, actions),
		newVersionCommand(g, actions),
	)
	return cmd
}

func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return &UsageError{Err: err}
		}
		return nil
	}
}

func positiveTimeout(name string, d time.Duration) error {
	if d < 0 {
		return &UsageError{Err: fmt.Errorf("--%s must not be negative", name)}
	}
	return nil
}
