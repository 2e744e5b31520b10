package wf

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// workflowFile is the on-disk shape: either a single workflow document or a
// file carrying a "workflows" list.
type workflowFile struct {
	Workflows []WorkflowConfig `yaml:"workflows"`
}

// LoadFile parses one YAML file into workflow configs. A file may hold a
// single workflow document or a top-level "workflows" list.
func LoadFile(path string) ([]WorkflowConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the configured workflows dir
	if err != nil {
		return nil, fmt.Errorf("read workflow file %s: %w", path, err)
	}

	var multi workflowFile
	if err := yaml.Unmarshal(data, &multi); err == nil && len(multi.Workflows) > 0 {
		return validateAll(path, multi.Workflows)
	}

	var single WorkflowConfig
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parse workflow file %s: %w", path, err)
	}
	return validateAll(path, []WorkflowConfig{single})
}

func validateAll(path string, configs []WorkflowConfig) ([]WorkflowConfig, error) {
	for i := range configs {
		if err := configs[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid workflow in %s: %w", path, err)
		}
	}
	return configs, nil
}

// LoadDir loads every *.yaml / *.yml file in dir, sorted by filename so load
// order is deterministic. A missing directory yields an empty result, not an
// error — a fresh install has no workflow files yet.
func LoadDir(dir string) ([]WorkflowConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workflows dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var all []WorkflowConfig
	for _, name := range names {
		configs, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		all = append(all, configs...)
	}
	return all, nil
}
