package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"foreman/pkg/store"
	"foreman/pkg/wf"
)

// CompletionOptions tunes AdvanceOnCompletion.
type CompletionOptions struct {
	// CompletionToken is a caller-supplied idempotency key. When set, its
	// unique insert is the sole gate deciding whether this completion is a
	// duplicate.
	CompletionToken string
}

// errCompletionSuperseded aborts the completion transaction when a guarded
// status transition affects no row: a concurrent delivery of the same
// completion got there first. The caller rolls back and reports stale.
var errCompletionSuperseded = errors.New("completion superseded by a concurrent delivery")

// followup is work the completion transaction defers until after commit:
// dispatching the next operation and/or notifying the human actor. Dispatch
// is an external call and must never run inside the transaction.
type followup struct {
	dispatchID string
	notify     string
}

// AdvanceOnCompletion is the single entry point agents use to report an
// operation outcome. Completion callbacks are delivered at-least-once:
// status guards and the completion-token gate make re-processing a no-op
// rather than an error. The guards below run on a snapshot read; the race
// between two simultaneous deliveries is settled inside the transaction by
// the conditional status flips, which only one delivery can win.
func (e *Engine) AdvanceOnCompletion(ctx context.Context, operationID string, res Result, opts CompletionOptions) (*CompletionResult, error) {
	db := e.store.DB()

	op, err := e.store.GetOperation(ctx, db, operationID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("operation %s: %w", operationID, ErrOperationNotFound)
	}
	if op.Status == store.OpDone {
		return &CompletionResult{Noop: true, Code: CodeStaleIgnored}, nil
	}
	if op.Status != store.OpInProgress {
		return &CompletionResult{Noop: true, Code: CodeInvalidState}, nil
	}

	wo, err := e.store.GetWorkOrder(ctx, db, op.WorkOrderID)
	if err != nil {
		return nil, err
	}
	if wo == nil {
		return nil, fmt.Errorf("work order %s: %w", op.WorkOrderID, ErrWorkOrderNotFound)
	}
	if wo.State != store.WorkOrderActive {
		return &CompletionResult{Noop: true, Code: CodeStaleIgnored}, nil
	}

	workflow, err := e.loadWorkflow(wo)
	if err != nil {
		return nil, err
	}

	var out *CompletionResult
	var next followup
	err = e.store.InTx(ctx, func(q store.Querier) error {
		if opts.CompletionToken != "" {
			inserted, err := e.store.InsertCompletionToken(ctx, q, opts.CompletionToken, op.ID)
			if err != nil {
				return err
			}
			if !inserted {
				out = &CompletionResult{Duplicate: true}
				return nil
			}
		}

		if err := e.store.InsertReceipt(ctx, q, op.ID, exitCode(res), res.Feedback, res.Artifacts); err != nil {
			return err
		}

		if meta := verifyMetaOf(op); meta != nil {
			out, next, err = e.completeVerifyTx(ctx, q, wo, workflow, op, meta, res)
			return err
		}
		if op.ExecutionType == store.ExecLoop {
			out, next, err = e.completeLoopTx(ctx, q, wo, workflow, op, res)
			return err
		}
		out, next, err = e.completeSingleTx(ctx, q, wo, workflow, op, res)
		return err
	})
	if errors.Is(err, errCompletionSuperseded) {
		return &CompletionResult{Noop: true, Code: CodeStaleIgnored}, nil
	}
	if err != nil {
		return nil, err
	}
	if out.Duplicate {
		return out, nil
	}

	e.runFollowup(ctx, next)
	return out, nil
}

// runFollowup executes post-commit actions. Failures are recorded against
// the operation (DispatchOperation blocks it and writes the activity) or
// logged; they never undo the committed transition.
func (e *Engine) runFollowup(ctx context.Context, next followup) {
	if next.notify != "" && e.notifier != nil {
		if err := e.notifier.Notify(ctx, next.notify); err != nil {
			log.Printf("notify failed: %v", err)
		}
	}
	if next.dispatchID != "" {
		if err := e.DispatchOperation(ctx, next.dispatchID); err != nil && !errors.Is(err, ErrNotClaimed) {
			log.Printf("dispatch %s after completion failed: %v", next.dispatchID, err)
		}
	}
}

// completeSingleTx handles completion of a plain single-stage operation.
func (e *Engine) completeSingleTx(ctx context.Context, q store.Querier, wo *store.WorkOrder, workflow *wf.WorkflowConfig, op *store.Operation, res Result) (*CompletionResult, followup, error) {
	stage, err := workflow.StageAt(op.StageIndex)
	if err != nil {
		return nil, followup{}, err
	}
	now := e.now()

	// A veto from a veto-capable stage is the one truly terminal failure:
	// no retry path, the work order is dead until a human intervenes.
	if res.Vetoed && stage.CanVeto {
		msg, err := e.escalateTx(ctx, q, wo, workflow, stage, op, SecurityVeto, res.Feedback)
		if err != nil {
			return nil, followup{}, err
		}
		return &CompletionResult{Escalated: true}, followup{notify: msg}, nil
	}

	if res.Rejected && stage.LoopTarget != "" {
		return e.loopBackTx(ctx, q, wo, workflow, stage, op, res)
	}

	if !res.Success {
		if err := e.store.BlockOperation(ctx, q, op.ID, "", res.Feedback, now); err != nil {
			return nil, followup{}, err
		}
		if err := e.store.LogActivity(ctx, q, wo.ID, op.ID, ActOperationBlocked,
			fmt.Sprintf(`{"stage":%q,"feedback":%q}`, stage.Ref, res.Feedback)); err != nil {
			return nil, followup{}, err
		}
		return &CompletionResult{}, followup{}, nil
	}

	done, err := e.store.MarkOperationDone(ctx, q, op.ID, now)
	if err != nil {
		return nil, followup{}, err
	}
	if !done {
		return nil, followup{}, errCompletionSuperseded
	}
	return e.advanceTx(ctx, q, wo, workflow, op.StageIndex, op.IterationCount)
}

// loopBackTx handles a rejection on a stage with a loop-back target: the
// rejected operation completes, and a fresh rework operation is created at
// the target stage — unless the iteration cap is already spent, in which
// case the work order escalates instead of looping forever.
func (e *Engine) loopBackTx(ctx context.Context, q store.Querier, wo *store.WorkOrder, workflow *wf.WorkflowConfig, stage *wf.Stage, op *store.Operation, res Result) (*CompletionResult, followup, error) {
	maxIterations := stage.MaxIterations
	if maxIterations == 0 {
		maxIterations = e.cfg.DefaultMaxIterations
	}
	if op.IterationCount >= maxIterations {
		msg, err := e.escalateTx(ctx, q, wo, workflow, stage, op, IterationCapExceeded, res.Feedback)
		if err != nil {
			return nil, followup{}, err
		}
		return &CompletionResult{Escalated: true}, followup{notify: msg}, nil
	}

	targetIndex := workflow.FindStage(stage.LoopTarget)
	if targetIndex == -1 {
		return nil, followup{}, fmt.Errorf("workflow %s: stage %s loop target %q not found", workflow.ID, stage.Ref, stage.LoopTarget)
	}
	target := &workflow.Stages[targetIndex]

	now := e.now()
	done, err := e.store.MarkOperationDone(ctx, q, op.ID, now)
	if err != nil {
		return nil, followup{}, err
	}
	if !done {
		return nil, followup{}, errCompletionSuperseded
	}

	rework := e.newOperationForStage(wo, target, targetIndex, op.IterationCount+1, res.Feedback)
	rework.Status = store.OpRework
	if err := e.store.CreateOperation(ctx, q, rework); err != nil {
		return nil, followup{}, err
	}
	if err := e.store.SetWorkOrderStage(ctx, q, wo.ID, targetIndex, now); err != nil {
		return nil, followup{}, err
	}
	if err := e.store.LogActivity(ctx, q, wo.ID, rework.ID, ActLoopedBack,
		fmt.Sprintf(`{"from":%q,"to":%q,"iteration":%d,"feedback":%q}`,
			stage.Ref, target.Ref, op.IterationCount+1, res.Feedback)); err != nil {
		return nil, followup{}, err
	}

	return &CompletionResult{NextOperationID: rework.ID}, followup{dispatchID: rework.ID}, nil
}

// advanceTx moves the work order past a completed stage: it creates the
// next runnable operation, or ships the work order when no stages remain.
// The iteration count carries forward so a stage re-reached after a
// loop-back still sees how many rework cycles the work order has burned.
func (e *Engine) advanceTx(ctx context.Context, q store.Querier, wo *store.WorkOrder, workflow *wf.WorkflowConfig, fromIndex, iteration int) (*CompletionResult, followup, error) {
	sctx := e.startContext(ctx, q, wo.ID)
	now := e.now()

	nextIndex := -1
	for i := fromIndex + 1; i < len(workflow.Stages); i++ {
		if wf.StageRuns(&workflow.Stages[i], sctx) {
			nextIndex = i
			break
		}
	}

	if nextIndex == -1 {
		if err := e.store.ShipWorkOrder(ctx, q, wo.ID, now); err != nil {
			return nil, followup{}, err
		}
		if err := e.store.LogActivity(ctx, q, wo.ID, "", ActShipped,
			fmt.Sprintf(`{"workflow":%q}`, workflow.ID)); err != nil {
			return nil, followup{}, err
		}
		return &CompletionResult{Shipped: true}, followup{}, nil
	}

	next := &workflow.Stages[nextIndex]
	op := e.newOperationForStage(wo, next, nextIndex, iteration, "")
	if err := e.store.CreateOperation(ctx, q, op); err != nil {
		return nil, followup{}, err
	}
	if err := e.store.SetWorkOrderStage(ctx, q, wo.ID, nextIndex, now); err != nil {
		return nil, followup{}, err
	}
	if err := e.store.LogActivity(ctx, q, wo.ID, op.ID, ActAdvanced,
		fmt.Sprintf(`{"stage":%q,"stage_index":%d}`, next.Ref, nextIndex)); err != nil {
		return nil, followup{}, err
	}

	return &CompletionResult{NextOperationID: op.ID}, followup{dispatchID: op.ID}, nil
}
