package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"foreman/pkg/engine"

	"github.com/spf13/cobra"
)

// newRunCmd creates the "foreman run" subcommand: a foreground engine loop
// for setups without cron. Multiple runners (or runners plus cron ticks)
// coexist safely; the tick lease serializes them.
func newRunCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine in the foreground",
		Long:  "Ticks the queue on an interval and hot-reloads workflow definitions when\nthe workflows directory changes. Ctrl-C stops it.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			go rt.registry.Watch(ctx, func(err error) {
				fmt.Fprintf(cmd.ErrOrStderr(), "workflow reload: %v\n", err)
			})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "engine running, ticking every %s\n", interval)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				tick(ctx, cmd, rt)
				select {
				case <-ctx.Done():
					fmt.Fprintln(out, "engine stopped")
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "tick interval")
	return cmd
}

// tick runs one queue tick, reporting failures without stopping the loop.
func tick(ctx context.Context, cmd *cobra.Command, rt *runtime) {
	res, err := rt.engine.TickQueue(ctx, engine.TickOptions{})
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "tick: %v\n", err)
		return
	}
	if res.OverlapPrevented || (res.Scanned == 0 && res.StaleRecovered == 0) {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "tick: scanned %d, started %d, stale recovered %d, failures %d\n",
		res.Scanned, res.Started, res.StaleRecovered, res.Failures)
}
