package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newWorkflowsCmd creates the "foreman workflows" subcommand.
func newWorkflowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List loaded workflow definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(func(_ context.Context, rt *runtime) error {
				out := cmd.OutOrStdout()
				workflows := rt.registry.List()
				if len(workflows) == 0 {
					fmt.Fprintf(out, "no workflows in %s\n", rt.paths.WorkflowsDir)
					return nil
				}
				for _, w := range workflows {
					marker := " "
					if w.Default {
						marker = "*"
					}
					refs := make([]string, 0, len(w.Stages))
					for i := range w.Stages {
						ref := w.Stages[i].Ref
						if w.Stages[i].Optional {
							ref += "?"
						}
						refs = append(refs, ref)
					}
					fmt.Fprintf(out, "%s %s: %s\n", marker, w.ID, strings.Join(refs, " -> "))
				}
				return nil
			})
		},
	}
}
