package engine //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"foreman/pkg/store"
	"foreman/pkg/wf"

	"github.com/google/uuid"
)

// --- Mock implementations ---

// mockResolver resolves roles from a fixed map. Roles absent from the map
// resolve to no agent.
type mockResolver struct {
	mu     sync.Mutex
	agents map[string]*Agent
}

func (m *mockResolver) ResolveStageAgent(_ context.Context, role string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents[role], nil
}

func (m *mockResolver) drop(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, role)
}

// mockDispatcher records dispatch requests and can be told to fail.
type mockDispatcher struct {
	mu       sync.Mutex
	requests []DispatchRequest
	fail     error
}

func (m *mockDispatcher) DispatchToAgent(_ context.Context, req DispatchRequest) (*SessionRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	m.requests = append(m.requests, req)
	return &SessionRef{
		SessionKey: "sess-" + req.OperationID,
		SessionID:  fmt.Sprintf("%d", len(m.requests)),
	}, nil
}

func (m *mockDispatcher) SendToSession(_ context.Context, _, _ string) error {
	return nil
}

func (m *mockDispatcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockDispatcher) last() DispatchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

func (m *mockDispatcher) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// mockNotifier records escalation notifications.
type mockNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (m *mockNotifier) Notify(_ context.Context, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

// --- Test fixtures ---

// testWorkflows returns the registry used across engine tests:
//
//	delivery: plan -> build -> review (rejects loop back to build, cap 2)
//	          -> security (can veto) -> deploy (optional, needs_deployment)
//	stories:  breakdown (loop, no verify) -> wrap
//	verified: breakdown (loop, verify each story on the check stage)
//	          -> check -> wrap
//	hotfix:   triage (optional, unknowns_exist) -> fix
func testWorkflows(t *testing.T) *wf.Registry {
	t.Helper()
	registry, err := wf.NewStatic(
		wf.WorkflowConfig{
			ID:      "delivery",
			Name:    "Standard delivery",
			Default: true,
			Stages: []wf.Stage{
				{Ref: "plan", Agent: "planner"},
				{Ref: "build", Agent: "builder"},
				{Ref: "review", Agent: "reviewer", LoopTarget: "build", MaxIterations: 2},
				{Ref: "security", Agent: "security", CanVeto: true},
				{Ref: "deploy", Agent: "deployer", Optional: true, Condition: wf.CondNeedsDeployment},
			},
		},
		wf.WorkflowConfig{
			ID:   "stories",
			Name: "Story breakdown",
			Stages: []wf.Stage{
				{Ref: "breakdown", Agent: "builder", Loop: &wf.LoopConfig{MaxStories: 5}},
				{Ref: "wrap", Agent: "planner"},
			},
		},
		wf.WorkflowConfig{
			ID:   "verified",
			Name: "Story breakdown with verification",
			Stages: []wf.Stage{
				{Ref: "breakdown", Agent: "builder", Loop: &wf.LoopConfig{
					MaxStories: 5, VerifyEach: true, VerifyStageRef: "check",
				}},
				{Ref: "check", Agent: "reviewer"},
				{Ref: "wrap", Agent: "planner"},
			},
		},
		wf.WorkflowConfig{
			ID:   "hotfix",
			Name: "Hotfix",
			Stages: []wf.Stage{
				{Ref: "triage", Agent: "planner", Optional: true, Condition: wf.CondUnknownsExist},
				{Ref: "fix", Agent: "builder"},
			},
		},
	)
	if err != nil {
		t.Fatalf("build test registry: %v", err)
	}
	return registry
}

// testHarness bundles an engine with its fakes and store.
type testHarness struct {
	engine   *Engine
	store    *store.Store
	resolver *mockResolver
	sessions *mockDispatcher
	notifier *mockNotifier
	now      time.Time
}

// newHarness builds an engine over a fresh SQLite file in a temp dir with
// deterministic time.
func newHarness(t *testing.T) *testHarness {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	resolver := &mockResolver{agents: map[string]*Agent{
		"planner":  {ID: "agent-planner", DisplayName: "Planner", Station: "plan"},
		"builder":  {ID: "agent-builder", DisplayName: "Builder", Station: "build"},
		"reviewer": {ID: "agent-reviewer", DisplayName: "Reviewer", Station: "review"},
		"security": {ID: "agent-security", DisplayName: "Security", Station: "security"},
		"deployer": {ID: "agent-deployer", DisplayName: "Deployer", Station: "deploy"},
	}}
	sessions := &mockDispatcher{}
	notifier := &mockNotifier{}

	h := &testHarness{
		store:    st,
		resolver: resolver,
		sessions: sessions,
		notifier: notifier,
		now:      time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	h.engine = New(st, testWorkflows(t), resolver, sessions, notifier, Config{})
	h.engine.nowFunc = func() time.Time { return h.now }
	return h
}

// advance moves the harness clock forward.
func (h *testHarness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// createWorkOrder inserts a planned work order and returns its id.
func (h *testHarness) createWorkOrder(t *testing.T, workflowID string) string {
	t.Helper()
	id := uuid.NewString()
	err := h.store.CreateWorkOrder(context.Background(), h.store.DB(), &store.WorkOrder{
		ID:         id,
		Title:      "add rate limiting",
		Goal:       "protect the public API from abusive clients",
		WorkflowID: workflowID,
	})
	if err != nil {
		t.Fatalf("create work order: %v", err)
	}
	return id
}

// mustStart starts a work order and fails the test on error.
func (h *testHarness) mustStart(t *testing.T, workOrderID string, opts StartOptions) *StartResult {
	t.Helper()
	res, err := h.engine.StartWorkOrder(context.Background(), workOrderID, opts)
	if err != nil {
		t.Fatalf("start work order: %v", err)
	}
	return res
}

// mustComplete reports a completion and fails the test on error.
func (h *testHarness) mustComplete(t *testing.T, operationID string, res Result, opts CompletionOptions) *CompletionResult {
	t.Helper()
	out, err := h.engine.AdvanceOnCompletion(context.Background(), operationID, res, opts)
	if err != nil {
		t.Fatalf("advance on completion: %v", err)
	}
	return out
}

// getOperation loads an operation and fails the test on error.
func (h *testHarness) getOperation(t *testing.T, id string) *store.Operation {
	t.Helper()
	op, err := h.store.GetOperation(context.Background(), h.store.DB(), id)
	if err != nil {
		t.Fatalf("get operation: %v", err)
	}
	if op == nil {
		t.Fatalf("operation %s not found", id)
	}
	return op
}

// getWorkOrder loads a work order and fails the test on error.
func (h *testHarness) getWorkOrder(t *testing.T, id string) *store.WorkOrder {
	t.Helper()
	wo, err := h.store.GetWorkOrder(context.Background(), h.store.DB(), id)
	if err != nil {
		t.Fatalf("get work order: %v", err)
	}
	if wo == nil {
		t.Fatalf("work order %s not found", id)
	}
	return wo
}

// openOperations returns the open operations of a work order.
func (h *testHarness) openOperations(t *testing.T, workOrderID string) []*store.Operation {
	t.Helper()
	ops, err := h.store.ListOperations(context.Background(), h.store.DB(), workOrderID)
	if err != nil {
		t.Fatalf("list operations: %v", err)
	}
	var open []*store.Operation
	for _, op := range ops {
		if op.Open() {
			open = append(open, op)
		}
	}
	return open
}

// pendingApprovals returns the pending approvals.
func (h *testHarness) pendingApprovals(t *testing.T) []*store.Approval {
	t.Helper()
	approvals, err := h.store.ListPendingApprovals(context.Background(), h.store.DB())
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	return approvals
}
