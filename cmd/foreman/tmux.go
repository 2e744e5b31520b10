package main

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"foreman/pkg/engine"
)

// CmdRunner abstracts command execution for testability.
type CmdRunner interface {
	Run(name string, args ...string) (string, error)
}

// ExecRunner implements CmdRunner using os/exec.
type ExecRunner struct{}

// Run executes a command and returns its combined output.
func (e *ExecRunner) Run(name string, args ...string) (string, error) {
	cmd := exec.CommandContext(context.Background(), name, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// pasteDebounce is the delay between pasting text into a pane and pressing
// Enter. Agent TUIs need time to process pasted text before Enter arrives.
const pasteDebounce = 500 * time.Millisecond

// dispatchBuffer is the tmux buffer name used for task delivery.
const dispatchBuffer = "foreman-dispatch"

// TmuxGateway delivers engine dispatches and notifications to agent tmux
// panes. Task text goes through set-buffer + paste-buffer rather than
// send-keys -l: paste delivery survives multi-line text and special
// characters, and the deleted buffer never leaks between dispatches.
type TmuxGateway struct {
	Agents       map[string]AgentConfig // role -> pane target
	NotifyTarget string                 // escalation pane; empty disables
	Runner       CmdRunner
	Sleeper      func(time.Duration) // optional; overrides time.Sleep for testing
}

// NewTmuxGateway creates a gateway over the configured agent panes with the
// default ExecRunner.
func NewTmuxGateway(cfg *Config) *TmuxGateway {
	return &TmuxGateway{
		Agents:       cfg.Agents,
		NotifyTarget: cfg.Notify.Target,
		Runner:       &ExecRunner{},
	}
}

// DispatchToAgent pastes the task into the agent's pane. The pane target
// doubles as the session key: one pane is one long-lived agent session.
func (g *TmuxGateway) DispatchToAgent(_ context.Context, req engine.DispatchRequest) (*engine.SessionRef, error) {
	agent, ok := g.Agents[req.AgentID]
	if !ok || agent.Target == "" {
		return nil, fmt.Errorf("agent %s has no tmux target configured", req.AgentID)
	}
	if !g.paneExists(agent.Target) {
		return nil, fmt.Errorf("tmux target %s for agent %s is not running", agent.Target, req.AgentID)
	}
	if err := g.paste(agent.Target, req.Task); err != nil {
		return nil, err
	}
	return &engine.SessionRef{
		SessionKey: agent.Target,
		SessionID:  g.sessionID(agent.Target),
	}, nil
}

// SendToSession pastes text into a previously dispatched-to pane.
func (g *TmuxGateway) SendToSession(_ context.Context, sessionKey, text string) error {
	if !g.paneExists(sessionKey) {
		return fmt.Errorf("tmux session %s is not running", sessionKey)
	}
	return g.paste(sessionKey, text)
}

// Notify pastes an escalation message into the operator pane. With no pane
// configured it silently drops the message; the approval row is the durable
// record.
func (g *TmuxGateway) Notify(_ context.Context, msg string) error {
	if g.NotifyTarget == "" {
		return nil
	}
	return g.paste(g.NotifyTarget, msg)
}

// paneExists checks whether the target pane is reachable.
func (g *TmuxGateway) paneExists(target string) bool {
	_, err := g.Runner.Run("tmux", "has-session", "-t", target)
	return err == nil
}

// sessionID returns tmux's internal id for the target's session, best effort.
func (g *TmuxGateway) sessionID(target string) string {
	out, err := g.Runner.Run("tmux", "display-message", "-p", "-t", target, "#{session_id}")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// paste delivers text to a pane and submits it with Enter.
func (g *TmuxGateway) paste(target, text string) error {
	if _, err := g.Runner.Run("tmux", "set-buffer", "-b", dispatchBuffer, text); err != nil {
		return fmt.Errorf("tmux set-buffer: %w", err)
	}
	if _, err := g.Runner.Run("tmux", "paste-buffer", "-b", dispatchBuffer, "-t", target, "-d"); err != nil {
		return fmt.Errorf("tmux paste-buffer to %s: %w", target, err)
	}
	g.sleep(pasteDebounce)
	if _, err := g.Runner.Run("tmux", "send-keys", "-t", target, "Enter"); err != nil {
		return fmt.Errorf("tmux send-keys Enter to %s: %w", target, err)
	}
	return nil
}

// sleep pauses for the given duration, honoring the test Sleeper when set.
func (g *TmuxGateway) sleep(d time.Duration) {
	if g.Sleeper != nil {
		g.Sleeper(d)
		return
	}
	time.Sleep(d)
}
