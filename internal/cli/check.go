package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

const checkTimeout = 15 * time.Second

type checkResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func newCheckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify config and connectivity to the store, ERP and storefront",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts)
		},
	}
}

func runCheck(cmd *cobra.Command, opts *RootOptions) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
	defer cancel()

	a, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	probes := []struct {
		name string
		ping func(context.Context) error
	}{
		{"outcome_store", a.Store.Ping},
		{"erp", a.ERP.Ping},
		{"storefront", a.Storefront.Ping},
	}

	results := make([]checkResult, 0, len(probes))
	failed := 0
	for _, p := range probes {
		r := checkResult{Name: p.name, OK: true}
		if err := p.ping(ctx); err != nil {
			r.OK, r.Error = false, err.Error()
			failed++
		}
		results = append(results, r)
	}

	status := "ok"
	if failed > 0 {
		status = "degraded"
	}
	if err := opts.output(cmd).Emit(status, results, func(w io.Writer) {
		for _, r := range results {
			if r.OK {
				fmt.Fprintf(w, "✔ %-14s ok\n", r.Name)
			} else {
				fmt.Fprintf(w, "✘ %-14s %s\n", r.Name, r.Error)
			}
		}
	}); err != nil {
		return err
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d checks failed", failed, len(results)))
	}
	return nil
}
