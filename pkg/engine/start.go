package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"foreman/pkg/store"
	"foreman/pkg/wf"

	"github.com/google/uuid"
)

// StartOptions tunes StartWorkOrder.
type StartOptions struct {
	// Context carries the start-time facts optional stages are evaluated
	// against. Recorded on the workflow.started activity so later
	// transitions can read it back.
	Context *wf.StartContext
	// Force starts a non-planned work order, superseding any open
	// operations.
	Force bool
	// WorkflowID overrides workflow selection.
	WorkflowID string
}

// startedPayload is the workflow.started activity payload. Context is not a
// column on work_orders; this activity is the durable record every later
// transition reads it back from.
type startedPayload struct {
	WorkflowID string           `json:"workflow_id"`
	Context    *wf.StartContext `json:"context,omitempty"`
	Forced     bool             `json:"forced,omitempty"`
}

// startContext reads back the start-time context recorded by the most
// recent workflow.started activity. Malformed or missing payloads decode to
// an empty context (fail closed: every optional stage then runs or skips on
// its own default).
func (e *Engine) startContext(ctx context.Context, q store.Querier, workOrderID string) *wf.StartContext {
	payload, err := e.store.LatestActivityPayload(ctx, q, workOrderID, ActStarted)
	if err != nil || payload == "" {
		return &wf.StartContext{}
	}
	var p startedPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil || p.Context == nil {
		return &wf.StartContext{}
	}
	return p.Context
}

// selectWorkflow picks the workflow for a start: explicit override, then
// the work order's stored workflow, then rule-based selection.
func (e *Engine) selectWorkflow(wo *store.WorkOrder, opts StartOptions) (*wf.WorkflowConfig, error) {
	if opts.WorkflowID != "" {
		workflow := e.registry.Get(opts.WorkflowID)
		if workflow == nil {
			return nil, fmt.Errorf("workflow override %q: %w", opts.WorkflowID, ErrWorkflowNotFound)
		}
		return workflow, nil
	}
	if wo.WorkflowID != "" {
		workflow := e.registry.Get(wo.WorkflowID)
		if workflow == nil {
			return nil, fmt.Errorf("stored workflow %q: %w", wo.WorkflowID, ErrWorkflowNotFound)
		}
		return workflow, nil
	}
	workflow := e.registry.SelectFor(wf.SelectionInput{
		Priority: wo.Priority,
		Title:    wo.Title,
		Goal:     wo.Goal,
		Tags:     wo.Tags,
	})
	if workflow == nil {
		return nil, fmt.Errorf("work order %s matched no workflow: %w", wo.ID, ErrWorkflowNotFound)
	}
	return workflow, nil
}

// firstRunnableStage walks stages from 0, skipping optional stages whose
// condition evaluates false, and returns the first runnable index along
// with the refs it skipped.
func firstRunnableStage(workflow *wf.WorkflowConfig, sctx *wf.StartContext) (int, []string) {
	var skipped []string
	for i := range workflow.Stages {
		if wf.StageRuns(&workflow.Stages[i], sctx) {
			return i, skipped
		}
		skipped = append(skipped, workflow.Stages[i].Ref)
	}
	return -1, skipped
}

// newOperationForStage builds the operation row for one stage attempt.
func (e *Engine) newOperationForStage(wo *store.WorkOrder, stage *wf.Stage, stageIndex, iteration int, notes string) *store.Operation {
	op := &store.Operation{
		ID:             uuid.NewString(),
		WorkOrderID:    wo.ID,
		StageIndex:     stageIndex,
		StageRef:       stage.Ref,
		AgentRole:      stage.Agent,
		Status:         store.OpTodo,
		ExecutionType:  store.ExecSingle,
		IterationCount: iteration,
		MaxRetries:     e.cfg.DefaultMaxRetries,
		Notes:          notes,
	}
	if stage.IsLoop() {
		op.ExecutionType = store.ExecLoop
		data, err := json.Marshal(stage.Loop)
		if err == nil {
			op.LoopConfig = string(data)
		}
	}
	return op
}

// StartWorkOrder begins (or force-restarts) a work order: selects a
// workflow, finds the first runnable stage, resolves its agent, and in one
// transaction activates the work order, records the start activity with its
// context, and creates the stage operation. Dispatch happens after the
// transaction commits; a dispatch failure blocks the work order but leaves
// the created operation in place — operations are an audit trail, not a
// transactional side effect of dispatch.
func (e *Engine) StartWorkOrder(ctx context.Context, workOrderID string, opts StartOptions) (*StartResult, error) {
	wo, err := e.store.GetWorkOrder(ctx, e.store.DB(), workOrderID)
	if err != nil {
		return nil, err
	}
	if wo == nil {
		return nil, fmt.Errorf("work order %s: %w", workOrderID, ErrWorkOrderNotFound)
	}
	if vetoBlocked(wo) {
		return nil, fmt.Errorf("work order %s: %w: %s", wo.ID, ErrVetoed, wo.BlockedReason)
	}
	if wo.State != store.WorkOrderPlanned && !opts.Force {
		return nil, fmt.Errorf("work order %s is %s: %w", wo.ID, wo.State, ErrNotPlanned)
	}

	workflow, err := e.selectWorkflow(wo, opts)
	if err != nil {
		return nil, err
	}

	sctx := opts.Context
	if sctx == nil {
		sctx = &wf.StartContext{}
	}

	stageIndex, skipped := firstRunnableStage(workflow, sctx)
	if stageIndex == -1 {
		return nil, fmt.Errorf("work order %s: every stage of workflow %s was skipped: %w", wo.ID, workflow.ID, ErrNoRunnableStage)
	}
	stage := &workflow.Stages[stageIndex]

	agent, err := e.agents.ResolveStageAgent(ctx, stage.Agent)
	if err != nil {
		return nil, fmt.Errorf("resolve agent for role %s: %w", stage.Agent, err)
	}
	if agent == nil {
		return nil, fmt.Errorf("role %s on stage %s: %w", stage.Agent, stage.Ref, ErrNoAgent)
	}

	now := e.now()
	op := e.newOperationForStage(wo, stage, stageIndex, 0, "")

	payload, err := json.Marshal(startedPayload{WorkflowID: workflow.ID, Context: sctx, Forced: opts.Force})
	if err != nil {
		return nil, fmt.Errorf("marshal start context: %w", err)
	}

	err = e.store.InTx(ctx, func(q store.Querier) error {
		if opts.Force {
			if _, err := e.store.BlockOpenOperations(ctx, q, wo.ID, "superseded", now); err != nil {
				return err
			}
		}
		if err := e.store.ActivateWorkOrder(ctx, q, wo.ID, workflow.ID, stageIndex, now); err != nil {
			return err
		}
		if err := e.store.LogActivity(ctx, q, wo.ID, op.ID, ActStarted, string(payload)); err != nil {
			return err
		}
		return e.store.CreateOperation(ctx, q, op)
	})
	if err != nil {
		return nil, err
	}

	if err := e.DispatchOperation(ctx, op.ID); err != nil {
		blockErr := e.store.BlockWorkOrder(ctx, e.store.DB(), wo.ID,
			fmt.Sprintf("dispatch failed at stage %s: %v", stage.Ref, err), e.now())
		if blockErr != nil {
			return nil, fmt.Errorf("dispatch failed (%v); block work order: %w", err, blockErr)
		}
		return nil, fmt.Errorf("dispatch operation %s: %w", op.ID, err)
	}

	return &StartResult{
		WorkOrderID:   wo.ID,
		WorkflowID:    workflow.ID,
		OperationID:   op.ID,
		StageIndex:    stageIndex,
		SkippedStages: skipped,
	}, nil
}

// ResumeWorkOrder re-enters a stalled work order at its most recently
// blocked, todo or rework operation. With no such operation it falls back
// to a forced start — or a plain start if the work order never left
// planned. A security veto is never resumable.
func (e *Engine) ResumeWorkOrder(ctx context.Context, workOrderID string, opts StartOptions) (*StartResult, error) {
	wo, err := e.store.GetWorkOrder(ctx, e.store.DB(), workOrderID)
	if err != nil {
		return nil, err
	}
	if wo == nil {
		return nil, fmt.Errorf("work order %s: %w", workOrderID, ErrWorkOrderNotFound)
	}
	if vetoBlocked(wo) {
		return nil, fmt.Errorf("work order %s: %w: %s", wo.ID, ErrVetoed, wo.BlockedReason)
	}
	if wo.State == store.WorkOrderPlanned {
		return e.StartWorkOrder(ctx, workOrderID, opts)
	}

	op, err := e.store.LatestResumableOperation(ctx, e.store.DB(), wo.ID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		opts.Force = true
		return e.StartWorkOrder(ctx, workOrderID, opts)
	}

	workflow, err := e.loadWorkflow(wo)
	if err != nil {
		return nil, err
	}

	now := e.now()
	err = e.store.InTx(ctx, func(q store.Querier) error {
		if op.Status == store.OpBlocked {
			if err := e.store.RequeueOperation(ctx, q, op.ID, false, "", now); err != nil {
				return err
			}
		}
		if err := e.store.ActivateWorkOrder(ctx, q, wo.ID, workflow.ID, op.StageIndex, now); err != nil {
			return err
		}
		return e.store.LogActivity(ctx, q, wo.ID, op.ID, ActResumed,
			fmt.Sprintf(`{"stage":%q,"previous_status":%q}`, op.StageRef, op.Status))
	})
	if err != nil {
		return nil, err
	}

	if err := e.DispatchOperation(ctx, op.ID); err != nil {
		return nil, fmt.Errorf("dispatch resumed operation %s: %w", op.ID, err)
	}

	return &StartResult{
		WorkOrderID: wo.ID,
		WorkflowID:  workflow.ID,
		OperationID: op.ID,
		StageIndex:  op.StageIndex,
	}, nil
}
