// Package cli is the operator command line for the booking sync service.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/booking-sync/internal/app"
	"github.com/Guizzs26/booking-sync/internal/config"
	"github.com/Guizzs26/booking-sync/pkg/infra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// load is swapped in tests.
	load func() config.Config
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return newRootCommand(config.Load)
}

func newRootCommand(load func() config.Config) *cobra.Command {
	opts := &RootOptions{load: load}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate the storefront to ERP booking sync",
		Long: `syncctl inspects and re-drives the booking sync without going through HTTP.

It reads the same environment (or .env file) as the server and talks to the
same outcome store, so a booking synced here is never synced again by the
server, and the other way round.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level to stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newOutcomesCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))

	return cmd
}

// open loads and validates config and wires the application. Logs go to
// stderr so JSON output on stdout stays parseable.
func (o *RootOptions) open(ctx context.Context, cmd *cobra.Command) (*app.App, error) {
	cfg := o.load()
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	logger := infra.NewLogger(cmd.ErrOrStderr(), cfg.LogFormat, level)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to initialize", err)
	}
	return a, nil
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
