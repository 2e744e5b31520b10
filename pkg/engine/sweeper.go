package engine

import (
	"context"
	"errors"
	"fmt"

	"foreman/pkg/store"
)

// RecoverOptions tunes RecoverStaleOperations.
type RecoverOptions struct {
	// Redispatch re-dispatches requeued operations immediately instead of
	// leaving them for the next tick. Defaults to the engine config.
	Redispatch *bool
}

// RecoverStaleOperations finds in_progress operations whose claim lease
// expired or that have been silently stuck past the stale-age window,
// requeues them while retry budget remains, and escalates the rest. An
// operation with a fresh active agent session is never touched — that work
// is still running, however stale its claim looks. Candidates are
// processed independently: one failure is counted and logged, never aborts
// the sweep.
func (e *Engine) RecoverStaleOperations(ctx context.Context, opts RecoverOptions) (*RecoverResult, error) {
	db := e.store.DB()
	now := e.now()

	redispatch := e.cfg.AutoRedispatch
	if opts.Redispatch != nil {
		redispatch = *opts.Redispatch
	}

	candidates, err := e.store.FindStaleOperations(ctx, db, now, e.cfg.StaleAge)
	if err != nil {
		return nil, err
	}

	out := &RecoverResult{Scanned: len(candidates)}
	for _, op := range candidates {
		if err := e.recoverOne(ctx, op, redispatch, out); err != nil {
			out.Failures++
			_ = e.store.LogActivity(ctx, db, op.WorkOrderID, op.ID, ActRecoveryFailed,
				fmt.Sprintf(`{"error":%q}`, err.Error()))
		}
	}
	return out, nil
}

// recoverOne handles a single stale candidate.
func (e *Engine) recoverOne(ctx context.Context, op *store.Operation, redispatch bool, out *RecoverResult) error {
	db := e.store.DB()
	now := e.now()

	fresh, err := e.store.HasFreshSession(ctx, db, op.ID, now, e.cfg.SessionFreshness)
	if err != nil {
		return err
	}
	if fresh {
		// The worker session is alive; the claim will be re-evaluated on a
		// later sweep.
		return nil
	}

	if op.RetryCount < op.MaxRetries {
		if err := e.store.RequeueOperation(ctx, db, op.ID, true, "", now); err != nil {
			return err
		}
		if err := e.store.LogActivity(ctx, db, op.WorkOrderID, op.ID, ActStaleRequeued,
			fmt.Sprintf(`{"retry":%d,"max":%d}`, op.RetryCount+1, op.MaxRetries)); err != nil {
			return err
		}
		out.Recovered++
		if redispatch {
			if err := e.DispatchOperation(ctx, op.ID); err != nil && !errors.Is(err, ErrNotClaimed) {
				return err
			}
		}
		return nil
	}

	wo, err := e.store.GetWorkOrder(ctx, db, op.WorkOrderID)
	if err != nil {
		return err
	}
	if wo == nil {
		return fmt.Errorf("work order %s: %w", op.WorkOrderID, ErrWorkOrderNotFound)
	}
	workflow, err := e.loadWorkflow(wo)
	if err != nil {
		return err
	}
	stage, err := workflow.StageAt(op.StageIndex)
	if err != nil {
		return err
	}

	var notify string
	err = e.store.InTx(ctx, func(q store.Querier) error {
		msg, err := e.escalateTx(ctx, q, wo, workflow, stage, op, StaleTimeoutExceeded,
			fmt.Sprintf("no progress after %d timeouts", op.TimeoutCount))
		if err != nil {
			return err
		}
		notify = msg
		return nil
	})
	if err != nil {
		return err
	}
	out.Escalated++
	e.runFollowup(ctx, followup{notify: notify})
	return nil
}
