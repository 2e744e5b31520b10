package engine //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"testing"
	"time"

	"foreman/pkg/store"
)

func TestTickStartsPlannedWorkOrders(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.createWorkOrder(t, "delivery")
	b := h.createWorkOrder(t, "stories")

	out, err := h.engine.TickQueue(context.Background(), TickOptions{})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if out.Scanned != 2 || out.Started != 2 || out.Failures != 0 {
		t.Fatalf("result = %+v, want 2 scanned and started", out)
	}

	for _, id := range []string{a, b} {
		if h.getWorkOrder(t, id).State != store.WorkOrderActive {
			t.Errorf("work order %s not started", id)
		}
	}
	if h.sessions.count() != 2 {
		t.Errorf("dispatches = %d, want 2", h.sessions.count())
	}
}

func TestTickIgnoresWorkOrdersWithOpenOperations(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	woID := h.createWorkOrder(t, "delivery")
	h.mustStart(t, woID, StartOptions{})
	h.createWorkOrder(t, "delivery")

	out, err := h.engine.TickQueue(context.Background(), TickOptions{})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	// Only the second, still-planned work order is scanned.
	if out.Scanned != 1 || out.Started != 1 {
		t.Errorf("result = %+v, want 1 scanned and started", out)
	}
}

func TestTickLeasePreventsOverlap(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.createWorkOrder(t, "delivery")

	// Another engine process holds the tick lease.
	taken, err := h.store.AcquireLease(ctx, h.store.DB(), TickLeaseKey, "engine-other", h.now, time.Minute)
	if err != nil || !taken {
		t.Fatalf("seed lease: taken=%v err=%v", taken, err)
	}

	out, err := h.engine.TickQueue(ctx, TickOptions{})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !out.OverlapPrevented {
		t.Fatal("tick should lose the lease race")
	}
	if out.Started != 0 || h.sessions.count() != 0 {
		t.Error("a prevented tick must have zero effect")
	}

	// The dead holder's lease expires; the next tick proceeds.
	h.advance(61 * time.Second)
	out, err = h.engine.TickQueue(ctx, TickOptions{})
	if err != nil {
		t.Fatalf("tick after expiry: %v", err)
	}
	if out.OverlapPrevented || out.Started != 1 {
		t.Errorf("result = %+v, want the tick to take over the expired lease", out)
	}
}

func TestTickReleasesLease(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.TickQueue(ctx, TickOptions{}); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// The lease is released on exit: a different holder can take it
	// immediately, without waiting for the TTL.
	taken, err := h.store.AcquireLease(ctx, h.store.DB(), TickLeaseKey, "engine-other", h.now, time.Minute)
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	if !taken {
		t.Error("lease should be free after the tick returns")
	}
}

func TestTickDryRunHasNoEffect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	woID := h.createWorkOrder(t, "delivery")

	out, err := h.engine.TickQueue(context.Background(), TickOptions{DryRun: true})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if out.Scanned != 1 || out.Started != 0 {
		t.Errorf("result = %+v, want scan-only", out)
	}
	if h.getWorkOrder(t, woID).State != store.WorkOrderPlanned {
		t.Error("dry run must not start anything")
	}
	if h.sessions.count() != 0 {
		t.Error("dry run must not dispatch")
	}
}

func TestTickCountsPerWorkOrderFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	bad := h.createWorkOrder(t, "no-such-workflow")
	good := h.createWorkOrder(t, "delivery")

	out, err := h.engine.TickQueue(context.Background(), TickOptions{})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	// The broken work order is counted, not fatal: the good one still starts.
	if out.Failures != 1 || out.Started != 1 {
		t.Errorf("result = %+v, want 1 failure and 1 start", out)
	}
	if h.getWorkOrder(t, good).State != store.WorkOrderActive {
		t.Error("good work order should start despite the bad one")
	}
	if h.getWorkOrder(t, bad).State != store.WorkOrderPlanned {
		t.Error("bad work order stays planned for the operator to fix")
	}
}
