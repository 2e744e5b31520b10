package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// AgentConfig maps one agent role to a tmux target.
type AgentConfig struct {
	Name   string `toml:"name"`   // display name (defaults to the role)
	Target string `toml:"target"` // tmux pane target, e.g. "foreman:builder"
}

// Config is the on-disk foreman configuration (config.toml).
type Config struct {
	// Agents maps workflow agent roles to their tmux sessions.
	Agents map[string]AgentConfig `toml:"agents"`

	// Notify is the tmux pane escalation notifications are sent to.
	// Empty disables tmux notifications (escalations still create approvals).
	Notify struct {
		Target string `toml:"target"`
	} `toml:"notify"`

	// Engine tuning. Zero values take the engine defaults.
	Engine struct {
		ClaimTTLMinutes int  `toml:"claim_ttl_minutes"`
		StaleAgeMinutes int  `toml:"stale_age_minutes"`
		TickBatch       int  `toml:"tick_batch"`
		MaxIterations   int  `toml:"max_iterations"`
		MaxRetries      int  `toml:"max_retries"`
		StoryMaxRetries int  `toml:"story_max_retries"`
		AutoRedispatch  bool `toml:"auto_redispatch"`
	} `toml:"engine"`
}

// LoadConfig reads config.toml. A missing file yields an empty config — the
// CLI still works for state inspection; dispatch then fails per-role with a
// clear "no agent" error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from ResolvePaths
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ClaimTTL returns the configured claim TTL, or zero for the engine default.
func (c *Config) ClaimTTL() time.Duration {
	return time.Duration(c.Engine.ClaimTTLMinutes) * time.Minute
}

// StaleAge returns the configured stale age, or zero for the engine default.
func (c *Config) StaleAge() time.Duration {
	return time.Duration(c.Engine.StaleAgeMinutes) * time.Minute
}

// defaultConfigTOML is written by "foreman init" as a starting point.
const defaultConfigTOML = `# foreman configuration

# Map workflow agent roles to tmux panes. Each role a workflow stage
# references needs a target here before dispatch can reach it.
[agents.planner]
target = "foreman:planner"

[agents.builder]
target = "foreman:builder"

[agents.reviewer]
target = "foreman:reviewer"

# Escalations are pasted into this pane in addition to creating an approval.
[notify]
target = "foreman:operator"

[engine]
# claim_ttl_minutes = 15
# stale_age_minutes = 20
# tick_batch = 10
# auto_redispatch = false
`

// defaultWorkflowYAML is the example workflow written by "foreman init".
const defaultWorkflowYAML = `id: delivery
name: Standard delivery
default: true
stages:
  - ref: plan
    agent: planner
  - ref: build
    agent: builder
  - ref: review
    agent: reviewer
    loop_target: build
    max_iterations: 2
`
