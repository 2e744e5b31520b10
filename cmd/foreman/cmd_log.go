package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"foreman/pkg/store"

	"github.com/spf13/cobra"
)

// newLogCmd creates the "foreman log" subcommand.
func newLogCmd() *cobra.Command {
	var (
		workOrderID string
		operationID string
		actType     string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the activity audit trail",
		Long:  "Lists engine activities (starts, dispatches, advances, escalations),\nnewest first. Filter by work order, operation, or activity type.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				activities, err := rt.store.ListActivities(ctx, rt.store.DB(), store.ActivityFilter{
					WorkOrderID: workOrderID,
					OperationID: operationID,
					Type:        actType,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if len(activities) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no activities")
					return nil
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tTYPE\tWORK ORDER\tOPERATION\tPAYLOAD")
				for _, a := range activities {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						a.CreatedAt, a.Type, a.WorkOrderID, a.OperationID, a.Payload)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&workOrderID, "work-order", "", "filter by work order id")
	cmd.Flags().StringVar(&operationID, "operation", "", "filter by operation id")
	cmd.Flags().StringVar(&actType, "type", "", "filter by activity type, e.g. workflow.escalated")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows (0 for all)")
	return cmd
}
