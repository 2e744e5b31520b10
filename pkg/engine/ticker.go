package engine

import (
	"context"
	"errors"
	"fmt"
)

// TickOptions tunes TickQueue.
type TickOptions struct {
	// DryRun scans without recovering or starting anything.
	DryRun bool
}

// TickQueue runs one engine tick: stale recovery, then a bounded scan of
// planned work orders that are ready to start. The whole tick runs under
// the process-wide advisory lease; losing the lease race is a zero-effect
// result with OverlapPrevented set, not an error. Per-work-order failures
// are collected — one bad work order never stops the scan.
func (e *Engine) TickQueue(ctx context.Context, opts TickOptions) (*TickResult, error) {
	db := e.store.DB()
	now := e.now()

	acquired, err := e.store.AcquireLease(ctx, db, TickLeaseKey, e.id, now, e.cfg.TickLeaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return &TickResult{OverlapPrevented: true}, nil
	}
	defer func() { _ = e.store.ReleaseLease(ctx, db, TickLeaseKey, e.id) }()

	out := &TickResult{}

	if !opts.DryRun {
		rec, err := e.RecoverStaleOperations(ctx, RecoverOptions{})
		if err != nil {
			return nil, err
		}
		out.StaleRecovered = rec.Recovered
		out.Failures += rec.Failures
	}

	ready, err := e.store.ListPlannedWithoutOpenOps(ctx, db, e.cfg.TickBatch)
	if err != nil {
		return nil, err
	}
	out.Scanned = len(ready)
	if opts.DryRun {
		return out, nil
	}

	for _, wo := range ready {
		_, err := e.StartWorkOrder(ctx, wo.ID, StartOptions{})
		switch {
		case err == nil:
			out.Started++
		case errors.Is(err, ErrNotPlanned) || errors.Is(err, ErrVetoed):
			// Raced with another actor or permanently vetoed; skip.
			out.Skipped++
		default:
			out.Failures++
			_ = e.store.LogActivity(ctx, db, wo.ID, "", ActTickFailed,
				fmt.Sprintf(`{"error":%q}`, err.Error()))
		}
	}

	return out, nil
}
