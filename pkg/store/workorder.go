package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const workOrderColumns = `id, title, goal, priority, tags, state, COALESCE(workflow_id, ''),
	current_stage, COALESCE(blocked_reason, ''), created_at, updated_at`

func scanWorkOrder(row interface{ Scan(...any) error }) (*WorkOrder, error) {
	var wo WorkOrder
	var tags string
	err := row.Scan(&wo.ID, &wo.Title, &wo.Goal, &wo.Priority, &tags, &wo.State,
		&wo.WorkflowID, &wo.CurrentStage, &wo.BlockedReason, &wo.CreatedAt, &wo.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wo.Tags = unmarshalStrings(tags)
	return &wo, nil
}

// CreateWorkOrder inserts a new work order in the planned state.
func (s *Store) CreateWorkOrder(ctx context.Context, q Querier, wo *WorkOrder) error {
	state := wo.State
	if state == "" {
		state = WorkOrderPlanned
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO work_orders (id, title, goal, priority, tags, state, workflow_id, current_stage)
		 VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)`,
		wo.ID, wo.Title, wo.Goal, wo.Priority, marshalJSON(wo.Tags), state, wo.WorkflowID, wo.CurrentStage)
	if err != nil {
		return fmt.Errorf("create work order %s: %w", wo.ID, err)
	}
	return nil
}

// GetWorkOrder loads a work order by id. Returns (nil, nil) if absent.
func (s *Store) GetWorkOrder(ctx context.Context, q Querier, id string) (*WorkOrder, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+workOrderColumns+` FROM work_orders WHERE id = ?`, id)
	wo, err := scanWorkOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get work order %s: %w", id, err)
	}
	return wo, nil
}

// ActivateWorkOrder transitions a work order to active on the chosen
// workflow and stage index, clearing any blocked reason.
func (s *Store) ActivateWorkOrder(ctx context.Context, q Querier, id, workflowID string, stageIndex int, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE work_orders SET state = ?, workflow_id = ?, current_stage = ?,
		 blocked_reason = NULL, updated_at = ? WHERE id = ?`,
		WorkOrderActive, workflowID, stageIndex, TimeString(now), id)
	if err != nil {
		return fmt.Errorf("activate work order %s: %w", id, err)
	}
	return nil
}

// SetWorkOrderStage moves the current stage pointer.
func (s *Store) SetWorkOrderStage(ctx context.Context, q Querier, id string, stageIndex int, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE work_orders SET current_stage = ?, updated_at = ? WHERE id = ?`,
		stageIndex, TimeString(now), id)
	if err != nil {
		return fmt.Errorf("set stage for work order %s: %w", id, err)
	}
	return nil
}

// BlockWorkOrder transitions a work order to blocked with a reason.
func (s *Store) BlockWorkOrder(ctx context.Context, q Querier, id, reason string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE work_orders SET state = ?, blocked_reason = ?, updated_at = ? WHERE id = ?`,
		WorkOrderBlocked, reason, TimeString(now), id)
	if err != nil {
		return fmt.Errorf("block work order %s: %w", id, err)
	}
	return nil
}

// ShipWorkOrder transitions a work order to shipped.
func (s *Store) ShipWorkOrder(ctx context.Context, q Querier, id string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE work_orders SET state = ?, updated_at = ? WHERE id = ?`,
		WorkOrderShipped, TimeString(now), id)
	if err != nil {
		return fmt.Errorf("ship work order %s: %w", id, err)
	}
	return nil
}

// ListPlannedWithoutOpenOps returns up to limit planned work orders that
// currently have zero open operations, oldest first. This is the ticker's
// scan query.
func (s *Store) ListPlannedWithoutOpenOps(ctx context.Context, q Querier, limit int) ([]*WorkOrder, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+workOrderColumns+` FROM work_orders w
		 WHERE w.state = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM operations o
		     WHERE o.work_order_id = w.id
		       AND o.status IN ('todo', 'in_progress', 'review', 'rework'))
		 ORDER BY w.created_at, w.id LIMIT ?`,
		WorkOrderPlanned, limit)
	if err != nil {
		return nil, fmt.Errorf("list planned work orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work order: %w", err)
		}
		out = append(out, wo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work orders: %w", err)
	}
	return out, nil
}

// ListWorkOrders returns all work orders, newest first.
func (s *Store) ListWorkOrders(ctx context.Context, q Querier) ([]*WorkOrder, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+workOrderColumns+` FROM work_orders ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list work orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work order: %w", err)
		}
		out = append(out, wo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work orders: %w", err)
	}
	return out, nil
}
