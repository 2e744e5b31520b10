package main

import (
	"context"
	"fmt"

	"foreman/pkg/engine"

	"github.com/spf13/cobra"
)

// newCompleteCmd creates the "foreman complete" subcommand. This is the
// completion callback agents invoke when they finish a dispatched operation.
func newCompleteCmd() *cobra.Command {
	var (
		success   bool
		vetoed    bool
		rejected  bool
		feedback  string
		output    string
		artifacts []string
		token     string
	)

	cmd := &cobra.Command{
		Use:   "complete <operation-id>",
		Short: "Report an operation result",
		Long: "Reports the outcome of a dispatched operation and advances the work\n" +
			"order: success moves to the next stage, rejection loops back, a veto\n" +
			"escalates. Pass --token to make retried callbacks idempotent.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				res, err := rt.engine.AdvanceOnCompletion(ctx, args[0], engine.Result{
					Success:   success,
					Vetoed:    vetoed,
					Rejected:  rejected,
					Feedback:  feedback,
					Output:    output,
					Artifacts: artifacts,
				}, engine.CompletionOptions{CompletionToken: token})
				if err != nil {
					return err
				}
				printCompletion(cmd, res)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&success, "success", false, "the operation succeeded")
	cmd.Flags().BoolVar(&vetoed, "vetoed", false, "the agent vetoes this work order")
	cmd.Flags().BoolVar(&rejected, "rejected", false, "the agent rejects the work for rework")
	cmd.Flags().StringVar(&feedback, "feedback", "", "rejection or veto feedback")
	cmd.Flags().StringVar(&output, "output", "", "raw agent output (loop stages parse story lists from it)")
	cmd.Flags().StringArrayVar(&artifacts, "artifact", nil, "produced artifact path or URL (repeatable)")
	cmd.Flags().StringVar(&token, "token", "", "idempotency token for this completion")
	return cmd
}

func printCompletion(cmd *cobra.Command, res *engine.CompletionResult) {
	out := cmd.OutOrStdout()
	switch {
	case res.Duplicate:
		fmt.Fprintln(out, "duplicate completion ignored")
	case res.Noop:
		fmt.Fprintf(out, "completion ignored: %s\n", res.Code)
	case res.Shipped:
		fmt.Fprintln(out, "work order shipped")
	case res.Escalated:
		fmt.Fprintln(out, "escalated for human review")
	case res.NextOperationID != "":
		fmt.Fprintf(out, "dispatched next operation %s\n", res.NextOperationID)
	default:
		fmt.Fprintln(out, "recorded")
	}
}
