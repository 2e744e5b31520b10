package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LogActivity appends a row to the audit trail. Activity writes share the
// caller's transaction so the trail and the transition commit together.
func (s *Store) LogActivity(ctx context.Context, q Querier, workOrderID, operationID, actType, payload string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO activities (work_order_id, operation_id, type, payload)
		 VALUES (NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''))`,
		workOrderID, operationID, actType, payload)
	if err != nil {
		return fmt.Errorf("log activity %s: %w", actType, err)
	}
	return nil
}

// LatestActivityPayload returns the payload of the most recent activity of
// the given type for a work order, or "" if none exists. The engine uses
// this to read back the workflow.started context on later transitions.
func (s *Store) LatestActivityPayload(ctx context.Context, q Querier, workOrderID, actType string) (string, error) {
	var payload string
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(payload, '') FROM activities
		 WHERE work_order_id = ? AND type = ?
		 ORDER BY id DESC LIMIT 1`,
		workOrderID, actType).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest %s activity of %s: %w", actType, workOrderID, err)
	}
	return payload, nil
}

// ActivityFilter narrows ListActivities.
type ActivityFilter struct {
	WorkOrderID string
	OperationID string
	Type        string
	Limit       int
}

// ListActivities returns audit rows matching the filter, newest first.
func (s *Store) ListActivities(ctx context.Context, q Querier, f ActivityFilter) ([]*Activity, error) {
	query := `SELECT id, COALESCE(work_order_id, ''), COALESCE(operation_id, ''), type,
		COALESCE(payload, ''), created_at FROM activities WHERE 1=1`
	var args []any
	if f.WorkOrderID != "" {
		query += ` AND work_order_id = ?`
		args = append(args, f.WorkOrderID)
	}
	if f.OperationID != "" {
		query += ` AND operation_id = ?`
		args = append(args, f.OperationID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.WorkOrderID, &a.OperationID, &a.Type, &a.Payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return out, nil
}

// InsertReceipt records a completion receipt for an operation.
func (s *Store) InsertReceipt(ctx context.Context, q Querier, operationID string, exitCode int, summary string, artifacts []string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO receipts (operation_id, exit_code, summary, artifacts) VALUES (?, ?, ?, ?)`,
		operationID, exitCode, summary, marshalJSON(artifacts))
	if err != nil {
		return fmt.Errorf("insert receipt for %s: %w", operationID, err)
	}
	return nil
}

// CreateApproval records an escalation requiring a human decision.
func (s *Store) CreateApproval(ctx context.Context, q Querier, a *Approval) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO approvals (id, work_order_id, operation_id, type, question, status)
		 VALUES (?, ?, NULLIF(?, ''), ?, ?, 'pending')`,
		a.ID, a.WorkOrderID, a.OperationID, a.Type, a.Question)
	if err != nil {
		return fmt.Errorf("create approval %s: %w", a.ID, err)
	}
	return nil
}

// ListPendingApprovals returns unresolved approvals, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context, q Querier) ([]*Approval, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, work_order_id, COALESCE(operation_id, ''), type, question, status, created_at
		 FROM approvals WHERE status = 'pending' ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Approval
	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.ID, &a.WorkOrderID, &a.OperationID, &a.Type, &a.Question, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return out, nil
}
