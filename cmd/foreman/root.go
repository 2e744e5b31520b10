package main

import (
	"fmt"

	"foreman/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root foreman command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Foreman multi-agent workflow engine",
		Long:          "foreman drives work orders through the ordered stages of a workflow,\ndelegating each stage to an agent session and advancing on completion callbacks.",
		Version:       fmt.Sprintf("foreman %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newCreateCmd(),
		newStartCmd(),
		newResumeCmd(),
		newCompleteCmd(),
		newTickCmd(),
		newRunCmd(),
		newRecoverCmd(),
		newStatusCmd(),
		newLogCmd(),
		newWorkflowsCmd(),
		newDashCmd(),
	)

	return cmd
}
