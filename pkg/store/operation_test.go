package store //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestTryClaimOperationExactlyOnce(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	opID := mustCreateOperation(t, s, mustCreateWorkOrder(t, s))
	now := time.Now()

	claimed, err := s.TryClaimOperation(ctx, s.DB(), opID, "engine-a", now, 15*time.Minute)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}

	// A second claim against a live claim loses.
	claimed, err = s.TryClaimOperation(ctx, s.DB(), opID, "engine-b", now, 15*time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Error("second claim must lose while the first is live")
	}

	op, err := s.GetOperation(ctx, s.DB(), opID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Status != OpInProgress || op.ClaimedBy != "engine-a" {
		t.Errorf("operation = %s/%s, want in_progress held by engine-a", op.Status, op.ClaimedBy)
	}
}

func TestTryClaimOperationConcurrent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	opID := mustCreateOperation(t, s, mustCreateWorkOrder(t, s))
	now := time.Now()

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			claimed, err := s.TryClaimOperation(ctx, s.DB(), opID, fmt.Sprintf("engine-%d", n), now, 15*time.Minute)
			if err != nil {
				t.Errorf("worker %d: %v", n, err)
				return
			}
			if claimed {
				wins <- fmt.Sprintf("engine-%d", n)
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}

	op, err := s.GetOperation(ctx, s.DB(), opID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.ClaimedBy != winners[0] {
		t.Errorf("claimed by %q, want the single winner %q", op.ClaimedBy, winners[0])
	}
}

func TestMarkOperationDoneIsConditional(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	opID := mustCreateOperation(t, s, mustCreateWorkOrder(t, s))
	now := time.Now()

	// Nobody is working on it yet: the flip must not fire.
	done, err := s.MarkOperationDone(ctx, s.DB(), opID, now)
	if err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if done {
		t.Error("a todo operation must not be markable done")
	}

	if _, err := s.TryClaimOperation(ctx, s.DB(), opID, "engine-a", now, 15*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	done, err = s.MarkOperationDone(ctx, s.DB(), opID, now)
	if err != nil || !done {
		t.Fatalf("first flip: done=%v err=%v", done, err)
	}

	// The flip concurrent completion deliveries race on: the second one
	// must lose, not silently re-close the row.
	done, err = s.MarkOperationDone(ctx, s.DB(), opID, now)
	if err != nil {
		t.Fatalf("second flip: %v", err)
	}
	if done {
		t.Error("second flip must affect no row")
	}
}

func TestRequeueMakesOperationClaimableAgain(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	opID := mustCreateOperation(t, s, mustCreateWorkOrder(t, s))
	now := time.Now()

	if _, err := s.TryClaimOperation(ctx, s.DB(), opID, "engine-a", now, 15*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.RequeueOperation(ctx, s.DB(), opID, true, "went silent", now); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	op, _ := s.GetOperation(ctx, s.DB(), opID)
	if op.Status != OpTodo || op.ClaimedBy != "" || op.ClaimExpiresAt != "" {
		t.Errorf("after requeue: %s claimed_by=%q expires=%q", op.Status, op.ClaimedBy, op.ClaimExpiresAt)
	}
	if op.RetryCount != 1 || op.TimeoutCount != 1 {
		t.Errorf("retry/timeout = %d/%d, want 1/1", op.RetryCount, op.TimeoutCount)
	}
	if op.LastFeedback != "went silent" {
		t.Errorf("feedback = %q", op.LastFeedback)
	}

	claimed, err := s.TryClaimOperation(ctx, s.DB(), opID, "engine-b", now, 15*time.Minute)
	if err != nil || !claimed {
		t.Errorf("requeued operation should be claimable: claimed=%v err=%v", claimed, err)
	}
}

func TestClaimReworkStatus(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	woID := mustCreateWorkOrder(t, s)
	now := time.Now()

	op := &Operation{ID: "rework-op", WorkOrderID: woID, StageRef: "build",
		AgentRole: "builder", Status: OpRework, MaxRetries: 3}
	if err := s.CreateOperation(ctx, s.DB(), op); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := s.TryClaimOperation(ctx, s.DB(), op.ID, "engine-a", now, 15*time.Minute)
	if err != nil || !claimed {
		t.Errorf("rework operations must be claimable: claimed=%v err=%v", claimed, err)
	}
}

func TestClaimRefusesClosedStatuses(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	woID := mustCreateWorkOrder(t, s)
	now := time.Now()

	for _, status := range []OperationStatus{OpDone, OpBlocked, OpReview} {
		op := &Operation{ID: "op-" + string(status), WorkOrderID: woID,
			StageRef: "build", AgentRole: "builder", Status: status, MaxRetries: 3}
		if err := s.CreateOperation(ctx, s.DB(), op); err != nil {
			t.Fatalf("create %s: %v", status, err)
		}
		claimed, err := s.TryClaimOperation(ctx, s.DB(), op.ID, "engine-a", now, 15*time.Minute)
		if err != nil {
			t.Fatalf("claim %s: %v", status, err)
		}
		if claimed {
			t.Errorf("claim of a %s operation must fail", status)
		}
	}
}

func TestFindStaleOperations(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	woID := mustCreateWorkOrder(t, s)
	base := time.Now()

	expired := mustCreateOperation(t, s, woID)
	if _, err := s.TryClaimOperation(ctx, s.DB(), expired, "engine-a", base.Add(-30*time.Minute), 15*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	live := mustCreateOperation(t, s, woID)
	if _, err := s.TryClaimOperation(ctx, s.DB(), live, "engine-a", base, 15*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	mustCreateOperation(t, s, woID) // still todo, never stale

	got, err := s.FindStaleOperations(ctx, s.DB(), base, 20*time.Minute)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].ID != expired {
		t.Fatalf("stale = %d rows, want only the expired claim", len(got))
	}
}

func TestBlockOpenOperations(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	woID := mustCreateWorkOrder(t, s)
	now := time.Now()

	a := mustCreateOperation(t, s, woID)
	b := mustCreateOperation(t, s, woID)
	if _, err := s.TryClaimOperation(ctx, s.DB(), b, "engine-a", now, 15*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if done, err := s.MarkOperationDone(ctx, s.DB(), b, now); err != nil || !done {
		t.Fatalf("mark done: done=%v err=%v", done, err)
	}

	n, err := s.BlockOpenOperations(ctx, s.DB(), woID, "superseded", now)
	if err != nil {
		t.Fatalf("block open: %v", err)
	}
	if n != 1 {
		t.Errorf("blocked = %d, want 1 (done rows untouched)", n)
	}
	op, _ := s.GetOperation(ctx, s.DB(), a)
	if op.Status != OpBlocked {
		t.Errorf("status = %s, want blocked", op.Status)
	}
	op, _ = s.GetOperation(ctx, s.DB(), b)
	if op.Status != OpDone {
		t.Errorf("done operation was touched: %s", op.Status)
	}
}
