package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"foreman/pkg/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// State colors for terminal output.
var (
	styleHeader  = lipgloss.NewStyle().Bold(true)
	statePlanned = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // blue
	stateActive  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	stateBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	stateShipped = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
)

// colorState renders a work order state, colored only on real terminals.
func colorState(state store.WorkOrderState, colored bool) string {
	if !colored {
		return string(state)
	}
	switch state {
	case store.WorkOrderPlanned:
		return statePlanned.Render(string(state))
	case store.WorkOrderActive:
		return stateActive.Render(string(state))
	case store.WorkOrderBlocked:
		return stateBlocked.Render(string(state))
	case store.WorkOrderShipped:
		return stateShipped.Render(string(state))
	default:
		return string(state)
	}
}

// newStatusCmd creates the "foreman status" subcommand.
func newStatusCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine state",
		Long:  "Lists work orders with their workflow position, open operations, and\npending approvals waiting on a human decision.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				return printStatus(ctx, cmd, rt, all)
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include shipped work orders")
	return cmd
}

func printStatus(ctx context.Context, cmd *cobra.Command, rt *runtime, all bool) error {
	db := rt.store.DB()
	out := cmd.OutOrStdout()
	colored := isatty.IsTerminal(os.Stdout.Fd())

	orders, err := rt.store.ListWorkOrders(ctx, db)
	if err != nil {
		return err
	}

	header := func(s string) string {
		if colored {
			return styleHeader.Render(s)
		}
		return s
	}

	fmt.Fprintln(out, header("WORK ORDERS"))
	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tWORKFLOW\tSTAGE\tTITLE")
	shown := 0
	for _, wo := range orders {
		if wo.State == store.WorkOrderShipped && !all {
			continue
		}
		shown++
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			wo.ID, colorState(wo.State, colored), wo.WorkflowID, wo.CurrentStage, wo.Title)
		if wo.BlockedReason != "" {
			fmt.Fprintf(tw, "\t\t\t\tblocked: %s\n", wo.BlockedReason)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if shown == 0 {
		fmt.Fprintln(out, "  (none)")
	}

	if err := printOpenOperations(ctx, cmd, rt, orders, header); err != nil {
		return err
	}

	approvals, err := rt.store.ListPendingApprovals(ctx, db)
	if err != nil {
		return err
	}
	if len(approvals) > 0 {
		fmt.Fprintln(out, header("\nPENDING APPROVALS"))
		for _, a := range approvals {
			fmt.Fprintf(out, "  [%s] %s — %s\n", a.Type, a.WorkOrderID, a.Question)
		}
	}
	return nil
}

func printOpenOperations(ctx context.Context, cmd *cobra.Command, rt *runtime, orders []*store.WorkOrder, header func(string) string) error {
	db := rt.store.DB()
	out := cmd.OutOrStdout()

	var open []*store.Operation
	for _, wo := range orders {
		if wo.State != store.WorkOrderActive {
			continue
		}
		ops, err := rt.store.ListOperations(ctx, db, wo.ID)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if op.Open() {
				open = append(open, op)
			}
		}
	}
	if len(open) == 0 {
		return nil
	}

	fmt.Fprintln(out, header("\nOPEN OPERATIONS"))
	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORK ORDER\tSTAGE\tSTATUS\tCLAIMED BY")
	for _, op := range open {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			op.ID, op.WorkOrderID, op.StageRef, op.Status, op.ClaimedBy)
	}
	return tw.Flush()
}
