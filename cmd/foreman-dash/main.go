// Package main implements the foreman-dash interactive dashboard.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

// robotMode outputs a JSON snapshot of the engine state for scripts.
func robotMode(snap *Snapshot) ([]byte, error) {
	data, err := json.Marshal(map[string]any{
		"work_orders": snap.WorkOrders,
		"operations":  snap.Operations,
		"approvals":   snap.Approvals,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

func main() {
	robot := flag.Bool("robot", false, "print a JSON snapshot and exit")
	flag.Parse()

	source, err := OpenDataSource()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening state database: %v\n", err)
		os.Exit(1)
	}
	defer source.Close() //nolint:errcheck // best-effort close on exit

	if *robot {
		snap, err := source.Fetch()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching snapshot: %v\n", err)
			os.Exit(1)
		}
		data, err := robotMode(snap)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	p := tea.NewProgram(newModel(source), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
