package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"foreman/pkg/store"

	"github.com/spf13/cobra"
)

// newInitCmd creates the "foreman init" subcommand.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize foreman state",
		Long:  "Creates the foreman home directory, a starter config.toml and example\nworkflow, and the engine state database. Existing files are left alone.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}

			for _, dir := range []string{paths.ForemanHome, paths.WorkflowsDir} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}

			out := cmd.OutOrStdout()
			wrote, err := writeIfAbsent(paths.ConfigPath, defaultConfigTOML)
			if err != nil {
				return err
			}
			if wrote {
				fmt.Fprintf(out, "wrote %s\n", paths.ConfigPath)
			}

			exampleWorkflow := filepath.Join(paths.WorkflowsDir, "delivery.yaml")
			wrote, err = writeIfAbsent(exampleWorkflow, defaultWorkflowYAML)
			if err != nil {
				return err
			}
			if wrote {
				fmt.Fprintf(out, "wrote %s\n", exampleWorkflow)
			}

			db, err := store.Open(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if err := store.New(db).Init(context.Background()); err != nil {
				return err
			}

			fmt.Fprintf(out, "foreman initialized in %s\n", paths.ForemanHome)
			return nil
		},
	}
}

// writeIfAbsent writes content to path unless the file already exists.
func writeIfAbsent(path, content string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil { //nolint:gosec // config files are not secrets
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
