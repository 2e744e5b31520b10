package store //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"testing"
	"time"
)

func TestLeaseExclusion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	taken, err := s.AcquireLease(ctx, s.DB(), "tick", "a", now, time.Minute)
	if err != nil || !taken {
		t.Fatalf("first acquire: taken=%v err=%v", taken, err)
	}

	taken, err = s.AcquireLease(ctx, s.DB(), "tick", "b", now, time.Minute)
	if err != nil {
		t.Fatalf("contending acquire: %v", err)
	}
	if taken {
		t.Error("a live lease must exclude other holders")
	}

	// Re-entrant renewal by the current holder succeeds.
	taken, err = s.AcquireLease(ctx, s.DB(), "tick", "a", now.Add(30*time.Second), time.Minute)
	if err != nil || !taken {
		t.Errorf("renewal by holder: taken=%v err=%v", taken, err)
	}
}

func TestLeaseExpiryAllowsTakeover(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.AcquireLease(ctx, s.DB(), "tick", "a", now, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	taken, err := s.AcquireLease(ctx, s.DB(), "tick", "b", now.Add(61*time.Second), time.Minute)
	if err != nil || !taken {
		t.Errorf("takeover of expired lease: taken=%v err=%v", taken, err)
	}
}

func TestReleaseLeaseIsHolderGuarded(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.AcquireLease(ctx, s.DB(), "tick", "a", now, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// A non-holder release is a no-op; the lease still excludes.
	if err := s.ReleaseLease(ctx, s.DB(), "tick", "b"); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	taken, _ := s.AcquireLease(ctx, s.DB(), "tick", "b", now, time.Minute)
	if taken {
		t.Error("lease should survive a non-holder release")
	}

	if err := s.ReleaseLease(ctx, s.DB(), "tick", "a"); err != nil {
		t.Fatalf("release by holder: %v", err)
	}
	taken, _ = s.AcquireLease(ctx, s.DB(), "tick", "b", now, time.Minute)
	if !taken {
		t.Error("lease should be free after the holder releases")
	}
}

func TestInsertCompletionTokenOnce(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	inserted, err := s.InsertCompletionToken(ctx, s.DB(), "cb-1", "op-1")
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	// The same token is rejected regardless of which operation replays it.
	for _, opID := range []string{"op-1", "op-2"} {
		inserted, err = s.InsertCompletionToken(ctx, s.DB(), "cb-1", opID)
		if err != nil {
			t.Fatalf("duplicate insert: %v", err)
		}
		if inserted {
			t.Errorf("token replay against %s must be rejected", opID)
		}
	}

	inserted, err = s.InsertCompletionToken(ctx, s.DB(), "cb-2", "op-1")
	if err != nil || !inserted {
		t.Errorf("fresh token: inserted=%v err=%v", inserted, err)
	}
}
