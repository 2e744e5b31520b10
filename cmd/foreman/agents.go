package main

import (
	"context"

	"foreman/pkg/engine"
)

// configResolver resolves workflow agent roles from the static config.toml
// agent table. A role with no entry (or an entry without a target) resolves
// to nil: the engine reports ErrNoAgent and blocks the operation instead of
// dispatching into the void.
type configResolver struct {
	agents map[string]AgentConfig
}

func newConfigResolver(cfg *Config) *configResolver {
	return &configResolver{agents: cfg.Agents}
}

// ResolveStageAgent maps a stage's agent role to its configured pane. The
// agent ID is the role itself — config keys are the engine's agent identity.
func (r *configResolver) ResolveStageAgent(_ context.Context, role string) (*engine.Agent, error) {
	agent, ok := r.agents[role]
	if !ok || agent.Target == "" {
		return nil, nil //nolint:nilnil // (nil, nil) is the documented "no agent" result
	}
	name := agent.Name
	if name == "" {
		name = role
	}
	return &engine.Agent{ID: role, DisplayName: name, Station: agent.Target}, nil
}
