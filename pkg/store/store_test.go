package store //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestStore opens an initialized store over a temp SQLite file.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return s
}

// mustCreateWorkOrder inserts a planned work order.
func mustCreateWorkOrder(t *testing.T, s *Store) string {
	t.Helper()
	id := uuid.NewString()
	err := s.CreateWorkOrder(context.Background(), s.DB(), &WorkOrder{
		ID: id, Title: "wo", Goal: "goal",
	})
	if err != nil {
		t.Fatalf("create work order: %v", err)
	}
	return id
}

// mustCreateOperation inserts a todo operation for a work order.
func mustCreateOperation(t *testing.T, s *Store, workOrderID string) string {
	t.Helper()
	id := uuid.NewString()
	err := s.CreateOperation(context.Background(), s.DB(), &Operation{
		ID: id, WorkOrderID: workOrderID, StageRef: "build", AgentRole: "builder", MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	return id
}

func TestOpenAppliesPragmasToEveryConnection(t *testing.T) {
	t.Parallel()
	db, err := Open(filepath.Join(t.TempDir(), "pragma.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// Hold several pool connections open at once so each check runs on a
	// distinct connection: the pragmas travel on the DSN, not on whichever
	// connection a PRAGMA statement would happen to reach.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			t.Fatalf("conn %d: %v", i, err)
		}
		t.Cleanup(func() { _ = conn.Close() })

		var mode string
		if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			t.Fatalf("conn %d journal_mode: %v", i, err)
		}
		if mode != "wal" {
			t.Errorf("conn %d journal_mode = %q, want wal", i, mode)
		}

		var timeout int
		if err := conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatalf("conn %d busy_timeout: %v", i, err)
		}
		if timeout != 5000 {
			t.Errorf("conn %d busy_timeout = %d, want 5000", i, timeout)
		}
	}
}

func TestInitIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	// Re-applying schema and migrations must not error.
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second init: %v", err)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 14, 9, 30, 45, 0, time.UTC)
	if got := ParseTime(TimeString(now)); !got.Equal(now) {
		t.Errorf("round trip = %v, want %v", got, now)
	}
	if !ParseTime("garbage").IsZero() {
		t.Error("malformed timestamp should parse to zero time")
	}
	if !ParseTime("").IsZero() {
		t.Error("empty timestamp should parse to zero time")
	}
}

func TestGetWorkOrderAbsent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	wo, err := s.GetWorkOrder(context.Background(), s.DB(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if wo != nil {
		t.Errorf("want nil for an absent work order, got %+v", wo)
	}
}

func TestWorkOrderLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	id := mustCreateWorkOrder(t, s)

	wo, err := s.GetWorkOrder(ctx, s.DB(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if wo.State != WorkOrderPlanned {
		t.Errorf("state = %s, want planned", wo.State)
	}

	if err := s.ActivateWorkOrder(ctx, s.DB(), id, "delivery", 2, now); err != nil {
		t.Fatalf("activate: %v", err)
	}
	wo, _ = s.GetWorkOrder(ctx, s.DB(), id)
	if wo.State != WorkOrderActive || wo.WorkflowID != "delivery" || wo.CurrentStage != 2 {
		t.Errorf("after activate: %+v", wo)
	}

	if err := s.BlockWorkOrder(ctx, s.DB(), id, "stuck", now); err != nil {
		t.Fatalf("block: %v", err)
	}
	wo, _ = s.GetWorkOrder(ctx, s.DB(), id)
	if wo.State != WorkOrderBlocked || wo.BlockedReason != "stuck" {
		t.Errorf("after block: %+v", wo)
	}

	// Re-activation clears the blocked reason.
	if err := s.ActivateWorkOrder(ctx, s.DB(), id, "delivery", 2, now); err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	wo, _ = s.GetWorkOrder(ctx, s.DB(), id)
	if wo.BlockedReason != "" {
		t.Errorf("blocked reason survives re-activation: %q", wo.BlockedReason)
	}

	if err := s.ShipWorkOrder(ctx, s.DB(), id, now); err != nil {
		t.Fatalf("ship: %v", err)
	}
	wo, _ = s.GetWorkOrder(ctx, s.DB(), id)
	if wo.State != WorkOrderShipped {
		t.Errorf("state = %s, want shipped", wo.State)
	}
}

func TestListPlannedWithoutOpenOps(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	idle := mustCreateWorkOrder(t, s)
	busy := mustCreateWorkOrder(t, s)
	mustCreateOperation(t, s, busy)

	got, err := s.ListPlannedWithoutOpenOps(ctx, s.DB(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != idle {
		t.Fatalf("want only the idle work order, got %d rows", len(got))
	}

	// Once the busy one's operation closes, it becomes scannable again.
	ops, _ := s.ListOperations(ctx, s.DB(), busy)
	if _, err := s.TryClaimOperation(ctx, s.DB(), ops[0].ID, "engine-a", time.Now(), 15*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if done, err := s.MarkOperationDone(ctx, s.DB(), ops[0].ID, time.Now()); err != nil || !done {
		t.Fatalf("mark done: done=%v err=%v", done, err)
	}
	got, err = s.ListPlannedWithoutOpenOps(ctx, s.DB(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("rows = %d, want 2", len(got))
	}
}
