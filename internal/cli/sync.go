package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/booking-sync/internal/engine"
	"github.com/Guizzs26/booking-sync/internal/storefront"
)

type SyncOptions struct {
	*RootOptions
	Force bool
}

type bookingLine struct {
	BookingID     string `json:"booking_id"`
	Status        string `json:"status"`
	ERPOrderID    *int64 `json:"erp_order_id,omitempty"`
	AlreadySynced bool   `json:"already_synced,omitempty"`
	Attempts      int    `json:"attempt_count"`
	Error         string `json:"error,omitempty"`
}

func newSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync ORDER_ID",
		Short: "Fetch one storefront order and push its bookings to the ERP",
		Long: `Fetch one order from the storefront and sync every booking on it.

Bookings already synced are reported and left alone. A booking the ERP
rejected stays failed until it is re-run with --force.

Examples:
  syncctl sync 1001
  syncctl sync 1001 --force --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "re-open bookings the ERP rejected")
	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions, orderID string) error {
	ctx := cmd.Context()

	a, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	order, err := a.Storefront.FetchOrder(ctx, orderID)
	if err != nil {
		return WrapExitError(ExitFailure, "fetch order "+orderID, err)
	}
	if !a.Storefront.IsBillable(order) {
		return NewExitError(ExitFailure, fmt.Sprintf("order %s has status %q, which is not billable", orderID, order.Status))
	}

	recs, err := storefront.Normalize(order)
	if err != nil {
		return WrapExitError(ExitFailure, "order "+orderID, err)
	}

	lines := make([]bookingLine, 0, len(recs))
	failed := 0
	for _, rec := range recs {
		res, err := a.Engine.Sync(ctx, rec, engine.Options{Source: engine.SourceManual, Force: opts.Force})
		line := bookingLine{
			BookingID:     rec.BookingID,
			Status:        string(res.Outcome.Status),
			ERPOrderID:    res.Outcome.ERPOrderID,
			AlreadySynced: res.AlreadySynced,
			Attempts:      res.Outcome.AttemptCount,
		}
		if err != nil {
			line.Error = err.Error()
			failed++
		}
		lines = append(lines, line)
	}

	status := "ok"
	if failed > 0 {
		status = "failed"
	}
	if err := opts.output(cmd).Emit(status, lines, func(w io.Writer) {
		for _, l := range lines {
			switch {
			case l.Error != "":
				fmt.Fprintf(w, "✘ %s %s (attempt %d): %s\n", l.BookingID, l.Status, l.Attempts, l.Error)
			case l.AlreadySynced:
				fmt.Fprintf(w, "= %s already synced as ERP order %d\n", l.BookingID, deref(l.ERPOrderID))
			default:
				fmt.Fprintf(w, "✔ %s synced as ERP order %d\n", l.BookingID, deref(l.ERPOrderID))
			}
		}
	}); err != nil {
		return err
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d bookings did not sync", failed, len(lines)))
	}
	return nil
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
