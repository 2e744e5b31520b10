package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"foreman/pkg/store"
)

// BoardModel holds the kanban-style board of work orders by state.
type BoardModel struct {
	columns []boardColumn
}

// boardColumn is a single state column.
type boardColumn struct {
	title      string
	orders     []*store.WorkOrder
	totalCount int // may exceed len(orders) when the column is limited
}

// shippedLimit caps the Shipped column to the most recent entries.
const shippedLimit = 10

// columnForState maps a work order state to its column title.
func columnForState(state store.WorkOrderState) string {
	switch state {
	case store.WorkOrderActive:
		return "Active"
	case store.WorkOrderBlocked:
		return "Blocked"
	case store.WorkOrderShipped:
		return "Shipped"
	default:
		return "Planned"
	}
}

// NewBoardModel groups work orders into four state columns. ListWorkOrders
// returns newest first, so the Shipped limit keeps the most recent ships.
func NewBoardModel(orders []*store.WorkOrder) BoardModel {
	buckets := map[string][]*store.WorkOrder{
		"Planned": {},
		"Active":  {},
		"Blocked": {},
		"Shipped": {},
	}
	for _, wo := range orders {
		col := columnForState(wo.State)
		buckets[col] = append(buckets[col], wo)
	}

	titles := []string{"Planned", "Active", "Blocked", "Shipped"}
	columns := make([]boardColumn, 0, len(titles))
	for _, t := range titles {
		inCol := buckets[t]
		totalCount := len(inCol)
		if t == "Shipped" && len(inCol) > shippedLimit {
			inCol = inCol[:shippedLimit]
		}
		columns = append(columns, boardColumn{title: t, orders: inCol, totalCount: totalCount})
	}
	return BoardModel{columns: columns}
}

// headerColor picks the column header color by state.
func headerColor(theme Theme, title string) lipgloss.Color {
	switch title {
	case "Active":
		return theme.Success
	case "Blocked":
		return theme.Error
	case "Shipped":
		return theme.Muted
	default:
		return theme.Primary
	}
}

// Render renders the board columns side-by-side using lipgloss.
func (bm BoardModel) Render() string {
	theme := DefaultTheme()
	colWidth := 30

	cardStyle := lipgloss.NewStyle().
		Width(colWidth-2).
		Padding(0, 1)
	idStyle := lipgloss.NewStyle().
		Foreground(theme.Muted)
	columnStyle := lipgloss.NewStyle().
		Width(colWidth).
		Padding(0, 1)

	rendered := make([]string, 0, len(bm.columns))
	for _, col := range bm.columns {
		headerStyle := lipgloss.NewStyle().
			Bold(true).
			Foreground(headerColor(theme, col.title)).
			Width(colWidth).
			Align(lipgloss.Center).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder())

		headerText := col.title
		if col.title == "Shipped" && col.totalCount > len(col.orders) {
			headerText = fmt.Sprintf("%s (%d/%d)", col.title, len(col.orders), col.totalCount)
		}
		header := headerStyle.Render(headerText)

		var cardsBuilder strings.Builder
		for _, wo := range col.orders {
			subtitle := shortID(wo.ID)
			if wo.BlockedReason != "" {
				subtitle += " · " + wo.BlockedReason
			}
			card := cardStyle.Render(
				fmt.Sprintf("%s\n%s", wo.Title, idStyle.Render(subtitle)),
			)
			cardsBuilder.WriteString(card)
			cardsBuilder.WriteString("\n")
		}

		full := columnStyle.Render(header + "\n" + cardsBuilder.String())
		rendered = append(rendered, full)
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

// shortID abbreviates a UUID for card display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
