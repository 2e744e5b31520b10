package main

import (
	"fmt"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"foreman/pkg/store"
)

// opsTableHeight bounds the operations pane.
const opsTableHeight = 8

// newOpsTable builds the open-operations table.
func newOpsTable() table.Model {
	theme := DefaultTheme()

	columns := []table.Column{
		{Title: "Operation", Width: 10},
		{Title: "Work Order", Width: 10},
		{Title: "Stage", Width: 14},
		{Title: "Status", Width: 12},
		{Title: "Iter", Width: 4},
		{Title: "Claimed By", Width: 22},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(opsTableHeight),
	)

	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		Bold(true).
		Foreground(theme.Primary).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#ffffff")).
		Background(theme.Primary).
		Bold(true)
	t.SetStyles(styles)

	return t
}

// opsRows converts open operations into table rows.
func opsRows(ops []*store.Operation) []table.Row {
	rows := make([]table.Row, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, table.Row{
			shortID(op.ID),
			shortID(op.WorkOrderID),
			op.StageRef,
			string(op.Status),
			fmt.Sprintf("%d", op.IterationCount),
			op.ClaimedBy,
		})
	}
	return rows
}
