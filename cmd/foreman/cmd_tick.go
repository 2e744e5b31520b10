package main

import (
	"context"
	"fmt"

	"foreman/pkg/engine"

	"github.com/spf13/cobra"
)

// newTickCmd creates the "foreman tick" subcommand. Run it from cron or a
// shell loop; the advisory lease makes overlapping ticks harmless.
func newTickCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one queue tick",
		Long:  "Recovers stale operations, then starts planned work orders that have no\nopen operations. Ticks across processes are serialized by a TTL lease;\nlosing the race is a no-op, not an error.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				res, err := rt.engine.TickQueue(ctx, engine.TickOptions{DryRun: dryRun})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.OverlapPrevented {
					fmt.Fprintln(out, "tick skipped: another engine holds the lease")
					return nil
				}
				fmt.Fprintf(out, "scanned %d, started %d, skipped %d, stale recovered %d, failures %d\n",
					res.Scanned, res.Started, res.Skipped, res.StaleRecovered, res.Failures)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "scan without starting or recovering anything")
	return cmd
}

// newRecoverCmd creates the "foreman recover" subcommand.
func newRecoverCmd() *cobra.Command {
	var redispatch bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Sweep stale operations",
		Long:  "Finds in-progress operations whose claim expired or that went silent past\nthe stale window, requeues those with retry budget left and escalates the\nrest. Operations with a fresh agent session are never touched.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				opts := engine.RecoverOptions{}
				if cmd.Flags().Changed("redispatch") {
					opts.Redispatch = &redispatch
				}
				res, err := rt.engine.RecoverStaleOperations(ctx, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, recovered %d, escalated %d, failures %d\n",
					res.Scanned, res.Recovered, res.Escalated, res.Failures)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&redispatch, "redispatch", false, "re-dispatch requeued operations immediately")
	return cmd
}
