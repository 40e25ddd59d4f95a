package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/booking-sync/internal/models"
	"github.com/Guizzs26/booking-sync/internal/outcome"
)

type OutcomesOptions struct {
	*RootOptions
	Status string
	Limit  int
}

func newOutcomesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OutcomesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "outcomes [BOOKING_ID]",
		Short: "List recorded sync outcomes, or show one booking",
		Long: `List the most recent sync outcomes, newest attempt first.

Examples:
  syncctl outcomes --status failed
  syncctl outcomes 1001-1 --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutcomes(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (pending|success|failed)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum rows to list")
	return cmd
}

func runOutcomes(cmd *cobra.Command, opts *OutcomesOptions, args []string) error {
	status := models.SyncStatus(opts.Status)
	switch status {
	case "", models.StatusPending, models.StatusSuccess, models.StatusFailed:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", opts.Status))
	}
	ctx := cmd.Context()

	a, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var list []models.SyncOutcome
	if len(args) == 1 {
		o, err := a.Store.Get(ctx, args[0])
		if errors.Is(err, models.ErrNotFound) {
			return NewExitError(ExitFailure, "no outcome recorded for booking "+args[0])
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "outcome lookup", err)
		}
		list = []models.SyncOutcome{o}
	} else {
		list, err = a.Store.List(ctx, outcome.ListFilter{Status: status, Limit: opts.Limit})
		if err != nil {
			return WrapExitError(ExitCommandError, "list outcomes", err)
		}
	}

	return opts.output(cmd).Emit("ok", list, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "BOOKING\tSTATUS\tATTEMPTS\tERP ORDER\tATTEMPTED\tERROR")
		for _, o := range list {
			erpID := "-"
			if o.ERPOrderID != nil {
				erpID = fmt.Sprint(*o.ERPOrderID)
			}
			detail := ""
			if o.ErrorDetail != nil {
				detail = string(o.ErrorKind) + ": " + *o.ErrorDetail
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
				o.BookingID, o.Status, o.AttemptCount, erpID, o.AttemptedAt.Local().Format(time.DateTime), detail)
		}
		_ = tw.Flush()
	})
}
