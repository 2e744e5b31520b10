package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"foreman/pkg/store"
)

// Snapshot is one consistent read of the engine state.
type Snapshot struct {
	WorkOrders []*store.WorkOrder `json:"work_orders"`
	Operations []*store.Operation `json:"operations"` // open operations only
	Approvals  []*store.Approval  `json:"approvals"`  // pending only
	FetchedAt  time.Time          `json:"fetched_at"`
}

// DataSource reads engine state from the shared SQLite database. The
// dashboard only ever reads; all writes go through the engine.
type DataSource struct {
	db *sql.DB
	st *store.Store
}

// OpenDataSource opens the state database at the same path the foreman CLI
// uses (FOREMAN_DB_PATH, FOREMAN_HOME, or ~/.foreman/state.db).
func OpenDataSource() (*DataSource, error) {
	db, err := store.Open(statePath())
	if err != nil {
		return nil, err
	}
	return &DataSource{db: db, st: store.New(db)}, nil
}

// statePath resolves the state database path from env or the default home.
func statePath() string {
	if v := os.Getenv("FOREMAN_DB_PATH"); v != "" {
		return v
	}
	base := os.Getenv("FOREMAN_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "state.db"
		}
		base = filepath.Join(home, ".foreman")
	}
	return filepath.Join(base, "state.db")
}

// Close releases the database.
func (d *DataSource) Close() error {
	return d.db.Close()
}

// Fetch reads the current work orders, open operations and pending
// approvals.
func (d *DataSource) Fetch() (*Snapshot, error) {
	ctx := context.Background()
	q := d.st.DB()

	orders, err := d.st.ListWorkOrders(ctx, q)
	if err != nil {
		return nil, err
	}

	var open []*store.Operation
	for _, wo := range orders {
		if wo.State != store.WorkOrderActive {
			continue
		}
		ops, err := d.st.ListOperations(ctx, q, wo.ID)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if op.Open() {
				open = append(open, op)
			}
		}
	}

	approvals, err := d.st.ListPendingApprovals(ctx, q)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		WorkOrders: orders,
		Operations: open,
		Approvals:  approvals,
		FetchedAt:  time.Now(),
	}, nil
}
