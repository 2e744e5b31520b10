package main

import (
	"context"
	"fmt"

	"foreman/pkg/store"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newCreateCmd creates the "foreman create" subcommand.
func newCreateCmd() *cobra.Command {
	var (
		goal     string
		priority int
		tags     []string
		workflow string
	)

	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a planned work order",
		Long:  "Creates a work order in the planned state. It starts on the next queue\ntick, or immediately via \"foreman start\".",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				wo := &store.WorkOrder{
					ID:         uuid.NewString(),
					Title:      args[0],
					Goal:       goal,
					Priority:   priority,
					Tags:       tags,
					WorkflowID: workflow,
				}
				if err := rt.store.CreateWorkOrder(ctx, rt.store.DB(), wo); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), wo.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&goal, "goal", "", "what done looks like for this work order")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher is more urgent)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&workflow, "workflow", "", "pin a workflow instead of rule-based selection")
	return cmd
}
