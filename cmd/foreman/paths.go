package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// foremanDir is the default state directory under the user's home.
const foremanDir = ".foreman"

// Paths holds all resolved foreman state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	ForemanHome  string // ~/.foreman or FOREMAN_HOME
	StateDBPath  string // state.db or FOREMAN_DB_PATH
	ConfigPath   string // config.toml or FOREMAN_CONFIG
	WorkflowsDir string // workflows/ or FOREMAN_WORKFLOWS_DIR
}

// ResolvePaths returns all foreman paths, respecting env var overrides.
// Environment variables:
//   - FOREMAN_HOME: base directory for all foreman state (default: ~/.foreman)
//   - FOREMAN_DB_PATH: engine state database (default: $FOREMAN_HOME/state.db)
//   - FOREMAN_CONFIG: agent/notify config (default: $FOREMAN_HOME/config.toml)
//   - FOREMAN_WORKFLOWS_DIR: workflow YAML dir (default: $FOREMAN_HOME/workflows)
//
// If FOREMAN_HOME is set, it becomes the base for all default paths. Specific
// env vars override both the default and the FOREMAN_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveForemanHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		ForemanHome:  home,
		StateDBPath:  resolvePathWithEnv("FOREMAN_DB_PATH", home, "state.db"),
		ConfigPath:   resolvePathWithEnv("FOREMAN_CONFIG", home, "config.toml"),
		WorkflowsDir: resolvePathWithEnv("FOREMAN_WORKFLOWS_DIR", home, "workflows"),
	}, nil
}

// resolveForemanHome returns the state directory from FOREMAN_HOME or ~/.foreman.
func resolveForemanHome() (string, error) {
	if v := os.Getenv("FOREMAN_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, foremanDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
