package main //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"fmt"
	"strings"
	"testing"

	"foreman/pkg/store"
)

func TestNewBoardModelGroupsByState(t *testing.T) {
	t.Parallel()
	orders := []*store.WorkOrder{
		{ID: "wo-1", Title: "one", State: store.WorkOrderPlanned},
		{ID: "wo-2", Title: "two", State: store.WorkOrderActive},
		{ID: "wo-3", Title: "three", State: store.WorkOrderActive},
		{ID: "wo-4", Title: "four", State: store.WorkOrderBlocked},
		{ID: "wo-5", Title: "five", State: store.WorkOrderShipped},
	}

	bm := NewBoardModel(orders)

	if len(bm.columns) != 4 {
		t.Fatalf("columns = %d, want 4", len(bm.columns))
	}
	wantCounts := map[string]int{"Planned": 1, "Active": 2, "Blocked": 1, "Shipped": 1}
	for _, col := range bm.columns {
		if got := len(col.orders); got != wantCounts[col.title] {
			t.Errorf("column %s has %d orders, want %d", col.title, got, wantCounts[col.title])
		}
	}
}

func TestNewBoardModelLimitsShippedColumn(t *testing.T) {
	t.Parallel()
	var orders []*store.WorkOrder
	for i := 0; i < shippedLimit+5; i++ {
		orders = append(orders, &store.WorkOrder{
			ID:    fmt.Sprintf("wo-%d", i),
			Title: fmt.Sprintf("shipped %d", i),
			State: store.WorkOrderShipped,
		})
	}

	bm := NewBoardModel(orders)

	for _, col := range bm.columns {
		if col.title != "Shipped" {
			continue
		}
		if len(col.orders) != shippedLimit {
			t.Errorf("shipped column shows %d orders, want %d", len(col.orders), shippedLimit)
		}
		if col.totalCount != shippedLimit+5 {
			t.Errorf("shipped totalCount = %d, want %d", col.totalCount, shippedLimit+5)
		}
	}
}

func TestBoardRenderShowsBlockedReason(t *testing.T) {
	t.Parallel()
	bm := NewBoardModel([]*store.WorkOrder{
		{ID: "wo-blocked-1", Title: "stuck deploy", State: store.WorkOrderBlocked, BlockedReason: "security_veto: stage security"},
	})

	out := bm.Render()
	if !strings.Contains(out, "stuck deploy") {
		t.Errorf("render missing work order title:\n%s", out)
	}
	if !strings.Contains(out, "security_veto") {
		t.Errorf("render missing blocked reason:\n%s", out)
	}
}

func TestColumnForState(t *testing.T) {
	t.Parallel()
	cases := map[store.WorkOrderState]string{
		store.WorkOrderPlanned: "Planned",
		store.WorkOrderActive:  "Active",
		store.WorkOrderBlocked: "Blocked",
		store.WorkOrderShipped: "Shipped",
	}
	for state, want := range cases {
		if got := columnForState(state); got != want {
			t.Errorf("columnForState(%s) = %s, want %s", state, got, want)
		}
	}
}

func TestShortID(t *testing.T) {
	t.Parallel()
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q, want 01234567", got)
	}
	if got := shortID("wo-1"); got != "wo-1" {
		t.Errorf("shortID = %q, want wo-1 unchanged", got)
	}
}
