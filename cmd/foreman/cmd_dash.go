package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// newDashCmd creates the "foreman dash" subcommand.
func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Launch interactive dashboard",
		Long:  "Opens the foreman dashboard TUI for monitoring work orders, operations,\nand pending approvals.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dashCmd := exec.CommandContext(cmd.Context(), "foreman-dash")
			dashCmd.Stdin = os.Stdin
			dashCmd.Stdout = os.Stdout
			dashCmd.Stderr = os.Stderr

			if err := dashCmd.Run(); err != nil {
				return fmt.Errorf("run foreman-dash: %w", err)
			}
			return nil
		},
	}
}
