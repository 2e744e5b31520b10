// Package engine implements the workflow orchestration engine: it drives a
// work order through the ordered stages of its workflow, one delegated agent
// operation at a time, with branching, looping, escalation and crash/timeout
// recovery.
//
// The engine has no long-running scheduler thread. It is invoked by
// short-lived ticks (TickQueue) and by external completion callbacks
// (AdvanceOnCompletion); all durable state lives in the SQLite store, so
// multiple engine processes can run against the same database safely. The
// only cross-process mutual exclusion is the TTL tick lease and the
// conditional claim UPDATE on operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"foreman/pkg/store"
	"foreman/pkg/wf"

	"github.com/google/uuid"
)

// --- External collaborators ---

// Agent is a concrete resolved worker for a stage's role.
type Agent struct {
	ID          string
	DisplayName string
	Station     string
}

// AgentResolver maps a stage's agent-role reference to an available worker.
// A (nil, nil) return means no worker is available for the role.
type AgentResolver interface {
	ResolveStageAgent(ctx context.Context, role string) (*Agent, error)
}

// DispatchRequest is the outbound task sent to a worker session.
type DispatchRequest struct {
	AgentID     string
	WorkOrderID string
	OperationID string
	Task        string
}

// SessionRef identifies the worker session a task was dispatched to.
type SessionRef struct {
	SessionKey string
	SessionID  string
}

// SessionDispatcher sends work to agent sessions. Dispatch is an external
// network call: it always happens strictly after the engine's transaction
// commits, never inside it.
type SessionDispatcher interface {
	DispatchToAgent(ctx context.Context, req DispatchRequest) (*SessionRef, error)
	SendToSession(ctx context.Context, sessionKey, text string) error
}

// Notifier is the best-effort side channel that informs the human actor of
// escalations. Failures are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// --- Agent result ---

// Result is the outcome an agent reports for one dispatched operation.
type Result struct {
	Success   bool
	Vetoed    bool
	Rejected  bool
	Feedback  string
	Output    string // raw agent output; loop stages probe it for a story list
	Artifacts []string
}

func exitCode(res Result) int {
	if res.Success {
		return 0
	}
	return 1
}

// --- Result types (plain data; expected business conditions never throw) ---

// Completion no-op codes.
const (
	CodeStaleIgnored = "COMPLETION_STALE_IGNORED"
	CodeInvalidState = "COMPLETION_INVALID_STATE"
)

// StartResult reports a successful start.
type StartResult struct {
	WorkOrderID   string
	WorkflowID    string
	OperationID   string
	StageIndex    int
	SkippedStages []string
}

// CompletionResult reports the outcome of a completion callback.
type CompletionResult struct {
	Duplicate       bool
	Noop            bool
	Code            string
	Shipped         bool
	Escalated       bool
	NextOperationID string
}

// TickResult reports one queue tick.
type TickResult struct {
	Scanned          int
	Started          int
	Skipped          int
	StaleRecovered   int
	Failures         int
	OverlapPrevented bool
}

// RecoverResult reports one stale-recovery sweep.
type RecoverResult struct {
	Scanned   int
	Recovered int
	Escalated int
	Failures  int
}

// --- Error taxonomy ---

// Programmer/integrity errors: callers treat these as fatal for the
// invocation. Expected business conditions are returned as result data, and
// recoverable operational failures (dispatch, missing agent) as wrapped
// sentinels the ticker counts without stopping.
var (
	ErrWorkOrderNotFound = errors.New("work order not found")
	ErrOperationNotFound = errors.New("operation not found")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrNotPlanned        = errors.New("work order is not in planned state")
	ErrVetoed            = errors.New("work order is permanently vetoed")
	ErrNoRunnableStage   = errors.New("no runnable stage")
	ErrNoAgent           = errors.New("no agent available")
	ErrNotClaimed        = errors.New("operation claim unavailable")
)

// EscalationReason is the closed set of reasons the engine gives up and
// asks a human.
type EscalationReason string

// Escalation reasons. SecurityVeto is the one irrecoverable reason: start
// and resume refuse to resurrect a work order blocked by it.
const (
	SecurityVeto         EscalationReason = "security_veto"
	IterationCapExceeded EscalationReason = "iteration_cap_exceeded"
	StoryRetryExhausted  EscalationReason = "story_retry_exhausted"
	StaleTimeoutExceeded EscalationReason = "stale_timeout_exceeded"
)

// --- Activity types (audit trail vocabulary) ---

const (
	ActStarted          = "workflow.started"
	ActResumed          = "workflow.resumed"
	ActDispatched       = "workflow.dispatched"
	ActDispatchFailed   = "workflow.dispatch_failed"
	ActAdvanced         = "workflow.advanced"
	ActLoopedBack       = "workflow.looped_back"
	ActShipped          = "workflow.shipped"
	ActEscalated        = "workflow.escalated"
	ActOperationBlocked = "workflow.operation_blocked"
	ActStoriesPlanned   = "workflow.stories_planned"
	ActStoryRetry       = "workflow.story_retry"
	ActStoryDone        = "workflow.story_done"
	ActVerifyRequested  = "workflow.verify_requested"
	ActStaleRequeued    = "workflow.stale_requeued"
	ActRecoveryFailed   = "workflow.recovery_failed"
	ActTickFailed       = "workflow.tick_failed"
)

// TickLeaseKey is the advisory lease serializing queue ticks across engine
// processes.
const TickLeaseKey = "workflow_engine_tick"

// --- Config ---

// Config holds engine tuning. Zero values take the documented defaults.
type Config struct {
	ClaimTTL         time.Duration // operation claim lease (default 15m)
	StaleAge         time.Duration // silent-stuck window for recovery (default 20m)
	SessionFreshness time.Duration // live-session guard window (default 5m)
	TickLeaseTTL     time.Duration // tick advisory lease TTL (default 60s)
	TickBatch        int           // planned work orders per tick (default 10)

	DefaultMaxIterations int  // loop-back cap per stage (default 2)
	DefaultMaxRetries    int  // operation retry budget for stale recovery (default 3)
	StoryMaxRetries      int  // per-story retry budget (default 2)
	DefaultMaxStories    int  // loop story cap when the stage sets none (default 10)
	AutoRedispatch       bool // sweeper re-dispatches requeued operations
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ClaimTTL == 0 {
		out.ClaimTTL = 15 * time.Minute
	}
	if out.StaleAge == 0 {
		out.StaleAge = 20 * time.Minute
	}
	if out.SessionFreshness == 0 {
		out.SessionFreshness = 5 * time.Minute
	}
	if out.TickLeaseTTL == 0 {
		out.TickLeaseTTL = 60 * time.Second
	}
	if out.TickBatch == 0 {
		out.TickBatch = 10
	}
	if out.DefaultMaxIterations == 0 {
		out.DefaultMaxIterations = 2
	}
	if out.DefaultMaxRetries == 0 {
		out.DefaultMaxRetries = 3
	}
	if out.StoryMaxRetries == 0 {
		out.StoryMaxRetries = 2
	}
	if out.DefaultMaxStories == 0 {
		out.DefaultMaxStories = 10
	}
	return out
}

// --- Engine ---

// Engine is the workflow orchestration engine.
type Engine struct {
	store    *store.Store
	registry *wf.Registry
	agents   AgentResolver
	sessions SessionDispatcher
	notifier Notifier
	cfg      Config

	// id identifies this engine process as a claim/lease holder.
	id string

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates an Engine. notifier may be nil.
func New(st *store.Store, registry *wf.Registry, agents AgentResolver, sessions SessionDispatcher, notifier Notifier, cfg Config) *Engine {
	return &Engine{
		store:    st,
		registry: registry,
		agents:   agents,
		sessions: sessions,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		id:       fmt.Sprintf("engine-%d-%s", os.Getpid(), uuid.NewString()[:8]),
		nowFunc:  time.Now,
	}
}

// ID returns the engine's claim/lease holder identity.
func (e *Engine) ID() string {
	return e.id
}

// now returns the current engine time.
func (e *Engine) now() time.Time {
	return e.nowFunc()
}

// loadWorkflow resolves the workflow a work order runs on.
func (e *Engine) loadWorkflow(wo *store.WorkOrder) (*wf.WorkflowConfig, error) {
	workflow := e.registry.Get(wo.WorkflowID)
	if workflow == nil {
		return nil, fmt.Errorf("work order %s: workflow %q: %w", wo.ID, wo.WorkflowID, ErrWorkflowNotFound)
	}
	return workflow, nil
}

// vetoBlocked reports whether a work order was permanently blocked by a
// security veto. The reason prefix is the only marker distinguishing this
// irrecoverable state from every other "blocked".
func vetoBlocked(wo *store.WorkOrder) bool {
	return wo.State == store.WorkOrderBlocked &&
		strings.HasPrefix(wo.BlockedReason, string(SecurityVeto))
}
