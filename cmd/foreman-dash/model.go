package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"foreman/pkg/store"
)

// tickMsg is sent by Bubble Tea on every refresh interval.
type tickMsg time.Time

// snapshotMsg carries a fetched engine state snapshot. A nil snapshot with
// a non-nil err means the fetch failed; the previous snapshot stays on
// screen.
type snapshotMsg struct {
	snap *Snapshot
	err  error
}

// refreshInterval is the dashboard data refresh cadence.
const refreshInterval = 2 * time.Second

// tickCmd returns a command that sends a tickMsg after the refresh interval.
func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchCmd returns a tea.Cmd that reads a fresh snapshot from the store.
func fetchCmd(source *DataSource) tea.Cmd {
	return func() tea.Msg {
		snap, err := source.Fetch()
		return snapshotMsg{snap: snap, err: err}
	}
}

// Model is the Bubble Tea model for the foreman dashboard.
type Model struct {
	source *DataSource

	snap    *Snapshot
	lastErr error

	opsTable table.Model

	width  int
	height int
}

// newModel creates a Model over the given data source.
func newModel(source *DataSource) Model {
	return Model{
		source:   source,
		opsTable: newOpsTable(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.source), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.source)
		}
		var cmd tea.Cmd
		m.opsTable, cmd = m.opsTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case snapshotMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.snap = msg.snap
		m.opsTable.SetRows(opsRows(msg.snap.Operations))

	case tickMsg:
		return m, tea.Batch(fetchCmd(m.source), tickCmd())
	}

	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.snap == nil {
		return "loading...\n"
	}

	sections := []string{
		m.renderStatusBar(),
		NewBoardModel(m.snap.WorkOrders).Render(),
		m.opsTable.View(),
	}
	if approvals := m.renderApprovals(); approvals != "" {
		sections = append(sections, approvals)
	}
	sections = append(sections, m.renderHelp())

	return strings.Join(sections, "\n")
}

// renderStatusBar renders aggregate counts per work order state.
func (m Model) renderStatusBar() string {
	theme := DefaultTheme()

	var planned, active, blocked, shipped int
	for _, wo := range m.snap.WorkOrders {
		switch wo.State {
		case store.WorkOrderPlanned:
			planned++
		case store.WorkOrderActive:
			active++
		case store.WorkOrderBlocked:
			blocked++
		case store.WorkOrderShipped:
			shipped++
		}
	}

	health := lipgloss.NewStyle().Foreground(theme.Success).Render("state: fresh")
	if m.lastErr != nil {
		health = lipgloss.NewStyle().Foreground(theme.Error).Render("state: " + m.lastErr.Error())
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		health,
		lipgloss.NewStyle().Render(" | Planned: "),
		lipgloss.NewStyle().Foreground(theme.Primary).Render(fmt.Sprintf("%d", planned)),
		lipgloss.NewStyle().Render(" | Active: "),
		lipgloss.NewStyle().Foreground(theme.Success).Render(fmt.Sprintf("%d", active)),
		lipgloss.NewStyle().Render(" | Blocked: "),
		lipgloss.NewStyle().Foreground(theme.Error).Render(fmt.Sprintf("%d", blocked)),
		lipgloss.NewStyle().Render(" | Shipped: "),
		lipgloss.NewStyle().Foreground(theme.Muted).Render(fmt.Sprintf("%d", shipped)),
	)
}

// renderApprovals renders the pending-approvals footer, empty when none.
func (m Model) renderApprovals() string {
	if len(m.snap.Approvals) == 0 {
		return ""
	}
	theme := DefaultTheme()
	title := lipgloss.NewStyle().Bold(true).Foreground(theme.Warning).
		Render(fmt.Sprintf("Pending approvals (%d)", len(m.snap.Approvals)))

	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n")
	for _, a := range m.snap.Approvals {
		fmt.Fprintf(&b, "  [%s] %s — %s\n", a.Type, shortID(a.WorkOrderID), a.Question)
	}
	return b.String()
}

// renderHelp renders the key hints line.
func (m Model) renderHelp() string {
	theme := DefaultTheme()
	return lipgloss.NewStyle().Foreground(theme.Muted).
		Render("j/k navigate operations · r refresh · q quit")
}
