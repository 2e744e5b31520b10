package engine //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"foreman/pkg/store"
	"foreman/pkg/wf"
)

func TestStartWorkOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	woID := h.createWorkOrder(t, "delivery")

	res := h.mustStart(t, woID, StartOptions{})

	if res.WorkflowID != "delivery" {
		t.Errorf("workflow = %q, want delivery", res.WorkflowID)
	}
	if res.StageIndex != 0 {
		t.Errorf("stage index = %d, want 0", res.StageIndex)
	}

	wo := h.getWorkOrder(t, woID)
	if wo.State != store.WorkOrderActive {
		t.Errorf("work order state = %s, want active", wo.State)
	}
	if wo.CurrentStage != 0 {
		t.Errorf("current stage = %d, want 0", wo.CurrentStage)
	}

	op := h.getOperation(t, res.OperationID)
	if op.Status != store.OpInProgress {
		t.Errorf("operation status = %s, want in_progress (claimed by dispatch)", op.Status)
	}
	if op.StageRef != "plan" {
		t.Errorf("stage ref = %q, want plan", op.StageRef)
	}
	if op.ClaimedBy != h.engine.ID() {
		t.Errorf("claimed by = %q, want %q", op.ClaimedBy, h.engine.ID())
	}

	if h.sessions.count() != 1 {
		t.Fatalf("dispatches = %d, want 1", h.sessions.count())
	}
	req := h.sessions.last()
	if req.AgentID != "agent-planner" {
		t.Errorf("dispatched to %q, want agent-planner", req.AgentID)
	}
	if !strings.Contains(req.Task, "add rate limiting") {
		t.Errorf("task missing work order title: %q", req.Task)
	}
}

func TestStartWorkOrderDefaultSelection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	// No workflow stored on the work order: rule-based selection falls
	// through to the default workflow.
	woID := h.createWorkOrder(t, "")

	res := h.mustStart(t, woID, StartOptions{})
	if res.WorkflowID != "delivery" {
		t.Errorf("selected workflow = %q, want default delivery", res.WorkflowID)
	}
}

func TestStartSkipsOptionalStages(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	woID := h.createWorkOrder(t, "hotfix")

	// No unknowns in the context: the optional triage stage is skipped and
	// the work order starts directly at fix.
	res := h.mustStart(t, woID, StartOptions{Context: &wf.StartContext{}})

	if res.StageIndex != 1 {
		t.Errorf("stage index = %d, want 1 (fix)", res.StageIndex)
	}
	if len(res.SkippedStages) != 1 || res.SkippedStages[0] != "triage" {
		t.Errorf("skipped = %v, want [triage]", res.SkippedStages)
	}
}

func TestStartRunsOptionalStageWhenConditionHolds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	woID := h.createWorkOrder(t, "hotfix")

	res := h.mustStart(t, woID, StartOptions{
		Context: &wf.StartContext{Unknowns: []string{"which datastore?"}},
	})

	if res.StageIndex != 0 {
		t.Errorf("stage index = %d, want 0 (triage)", res.StageIndex)
	}
	if len(res.SkippedStages) != 0 {
		t.Errorf("skipped = %v, want none", res.SkippedStages)
	}
}

func TestStartRejectsNonPlanned(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	woID := h.createWorkOrder(t, "delivery")
	h.mustStart(t, woID, StartOptions{})

	_, err := h.engine.StartWorkOrder(context.Background(), woID, StartOptions{})
	if !errors.Is(err, ErrNotPlanned) {
		t.Errorf("second start error = %v, want ErrNotPlanned", err)
	}
}

func TestForceStartSupersedesOpenOperation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	woID := h.createWorkOrder(t, "delivery")
	first := h.mustStart(t, woID, StartOptions{})

	res := h.mustStart(t, woID, StartOptions{Force: true})

	old := h.getOperation(t, first.OperationID)
	if old.Status != store.OpBlocked {
		t.Errorf("superseded operation status = %s, want blocked", old.Status)
	}
	open := h.openOperations(t, woID)
	if len(open) != 1 || open[0].ID != res.OperationID {
		t.Errorf("open operations = %d, want exactly the new one", len(open))
	}
}

func TestStartRefusesVetoedWorkOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	woID := h.createWorkOrder(t, "delivery")

	err := h.store.BlockWorkOrder(ctx, h.store.DB(), woID, "security_veto: stage security", h.now)
	if err != nil {
		t.Fatalf("block work order: %v", err)
	}

	if _, err := h.engine.StartWorkOrder(ctx, woID, StartOptions{Force: true}); !errors.Is(err, ErrVetoed) {
		t.Errorf("start error = %v, want ErrVetoed", err)
	}
	if _, err := h.engine.ResumeWorkOrder(ctx, woID, StartOptions{}); !errors.Is(err, ErrVetoed) {
		t.Errorf("resume error = %v, want ErrVetoed", err)
	}
}

func TestStartUnknownWorkOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.engine.StartWorkOrder(context.Background(), "no-such-id", StartOptions{})
	if !errors.Is(err, ErrWorkOrderNotFound) {
		t.Errorf("error = %v, want ErrWorkOrderNotFound", err)
	}
}

func TestStartWithoutAgentFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	woID := h.createWorkOrder(t, "delivery")
	h.resolver.drop("planner")

	_, err := h.engine.StartWorkOrder(context.Background(), woID, StartOptions{})
	if !errors.Is(err, ErrNoAgent) {
		t.Fatalf("error = %v, want ErrNoAgent", err)
	}

	// Agent resolution happens before the transaction: nothing was created.
	wo := h.getWorkOrder(t, woID)
	if wo.State != store.WorkOrderPlanned {
		t.Errorf("work order state = %s, want planned", wo.State)
	}
	if len(h.openOperations(t, woID)) != 0 {
		t.Error("no operation should exist after a failed agent resolution")
	}
}

func TestStartDispatchFailureBlocksWorkOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	woID := h.createWorkOrder(t, "delivery")
	h.sessions.setFail(errors.New("tmux session refused"))

	_, err := h.engine.StartWorkOrder(context.Background(), woID, StartOptions{})
	if err == nil {
		t.Fatal("expected dispatch error")
	}

	// The operation row survives as an audit trail; the work order blocks.
	wo := h.getWorkOrder(t, woID)
	if wo.State != store.WorkOrderBlocked {
		t.Errorf("work order state = %s, want blocked", wo.State)
	}
	if !strings.Contains(wo.BlockedReason, "dispatch failed") {
		t.Errorf("blocked reason = %q", wo.BlockedReason)
	}
}

func TestResumeRequeuesBlockedOperation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	woID := h.createWorkOrder(t, "delivery")
	res := h.mustStart(t, woID, StartOptions{})

	// Simulate a recoverable stall: operation and work order both blocked.
	if err := h.store.BlockOperation(ctx, h.store.DB(), res.OperationID, "", "agent crashed", h.now); err != nil {
		t.Fatalf("block operation: %v", err)
	}
	if err := h.store.BlockWorkOrder(ctx, h.store.DB(), woID, "agent crashed", h.now); err != nil {
		t.Fatalf("block work order: %v", err)
	}
	h.advance(time.Minute)

	resumed, err := h.engine.ResumeWorkOrder(ctx, woID, StartOptions{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.OperationID != res.OperationID {
		t.Errorf("resumed operation = %s, want the blocked one %s", resumed.OperationID, res.OperationID)
	}

	wo := h.getWorkOrder(t, woID)
	if wo.State != store.WorkOrderActive {
		t.Errorf("work order state = %s, want active", wo.State)
	}
	op := h.getOperation(t, res.OperationID)
	if op.Status != store.OpInProgress {
		t.Errorf("operation status = %s, want in_progress after re-dispatch", op.Status)
	}
	if h.sessions.count() != 2 {
		t.Errorf("dispatches = %d, want 2", h.sessions.count())
	}
}

func TestResumePlannedStartsNormally(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	woID := h.createWorkOrder(t, "delivery")

	res, err := h.engine.ResumeWorkOrder(context.Background(), woID, StartOptions{})
	if err != nil {
		t.Fatalf("resume planned: %v", err)
	}
	if res.StageIndex != 0 {
		t.Errorf("stage index = %d, want 0", res.StageIndex)
	}
}
