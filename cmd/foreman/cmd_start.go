package main

import (
	"context"
	"fmt"

	"foreman/pkg/engine"
	"foreman/pkg/wf"

	"github.com/spf13/cobra"
)

// startContextFlags holds the shared start/resume context flags.
type startContextFlags struct {
	unknowns         []string
	needsDeployment  bool
	securityRelevant bool
	codeChanges      bool
	notes            string
	maxStories       int
}

func (f *startContextFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.unknowns, "unknown", nil, "open question to investigate (repeatable)")
	cmd.Flags().BoolVar(&f.needsDeployment, "needs-deployment", false, "the work ships to an environment")
	cmd.Flags().BoolVar(&f.securityRelevant, "security-relevant", false, "the work touches security-sensitive surface")
	cmd.Flags().BoolVar(&f.codeChanges, "code-changes", false, "the work produces code changes")
	cmd.Flags().StringVar(&f.notes, "notes", "", "free-form context passed to every stage")
	cmd.Flags().IntVar(&f.maxStories, "max-stories", 0, "cap story lists for loop stages in this run")
}

func (f *startContextFlags) context() *wf.StartContext {
	return &wf.StartContext{
		Unknowns:           f.unknowns,
		NeedsDeployment:    f.needsDeployment,
		SecurityRelevant:   f.securityRelevant,
		CodeChanges:        f.codeChanges,
		Notes:              f.notes,
		MaxStoriesOverride: f.maxStories,
	}
}

// newStartCmd creates the "foreman start" subcommand.
func newStartCmd() *cobra.Command {
	var (
		sctx     startContextFlags
		workflow string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "start <work-order-id>",
		Short: "Start a work order",
		Long:  "Starts a planned work order: picks its workflow, skips optional stages\nwhose condition does not hold, and dispatches the first stage to its agent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				res, err := rt.engine.StartWorkOrder(ctx, args[0], engine.StartOptions{
					Context:    sctx.context(),
					Force:      force,
					WorkflowID: workflow,
				})
				if err != nil {
					return err
				}
				printStart(cmd, res)
				return nil
			})
		},
	}

	sctx.register(cmd)
	cmd.Flags().StringVar(&workflow, "workflow", "", "override workflow selection")
	cmd.Flags().BoolVar(&force, "force", false, "start even if not planned, superseding open operations")
	return cmd
}

// newResumeCmd creates the "foreman resume" subcommand.
func newResumeCmd() *cobra.Command {
	var sctx startContextFlags

	cmd := &cobra.Command{
		Use:   "resume <work-order-id>",
		Short: "Resume a stalled work order",
		Long:  "Re-enters a blocked or stuck work order at its most recent resumable\noperation, or restarts it when nothing is resumable. Vetoed work orders\nstay closed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				res, err := rt.engine.ResumeWorkOrder(ctx, args[0], engine.StartOptions{
					Context: sctx.context(),
				})
				if err != nil {
					return err
				}
				printStart(cmd, res)
				return nil
			})
		},
	}

	sctx.register(cmd)
	return cmd
}

func printStart(cmd *cobra.Command, res *engine.StartResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "work order %s on workflow %s\n", res.WorkOrderID, res.WorkflowID)
	fmt.Fprintf(out, "dispatched operation %s (stage %d)\n", res.OperationID, res.StageIndex)
	for _, ref := range res.SkippedStages {
		fmt.Fprintf(out, "skipped stage %s\n", ref)
	}
}
