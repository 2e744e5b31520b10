package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const operationColumns = `id, work_order_id, stage_index, stage_ref, agent_role, status,
	execution_type, COALESCE(loop_config, ''), COALESCE(current_story_id, ''),
	iteration_count, retry_count, max_retries, timeout_count,
	COALESCE(claimed_by, ''), COALESCE(claim_expires_at, ''), COALESCE(last_claimed_at, ''),
	COALESCE(escalation_reason, ''), last_feedback, notes, created_at, updated_at`

func scanOperation(row interface{ Scan(...any) error }) (*Operation, error) {
	var op Operation
	err := row.Scan(&op.ID, &op.WorkOrderID, &op.StageIndex, &op.StageRef, &op.AgentRole,
		&op.Status, &op.ExecutionType, &op.LoopConfig, &op.CurrentStoryID,
		&op.IterationCount, &op.RetryCount, &op.MaxRetries, &op.TimeoutCount,
		&op.ClaimedBy, &op.ClaimExpiresAt, &op.LastClaimedAt,
		&op.EscalationReason, &op.LastFeedback, &op.Notes, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// CreateOperation inserts a new operation row.
func (s *Store) CreateOperation(ctx context.Context, q Querier, op *Operation) error {
	status := op.Status
	if status == "" {
		status = OpTodo
	}
	execType := op.ExecutionType
	if execType == "" {
		execType = ExecSingle
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO operations (id, work_order_id, stage_index, stage_ref, agent_role, status,
		 execution_type, loop_config, current_story_id, iteration_count, max_retries, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)`,
		op.ID, op.WorkOrderID, op.StageIndex, op.StageRef, op.AgentRole, status,
		execType, op.LoopConfig, op.CurrentStoryID, op.IterationCount, op.MaxRetries, op.Notes)
	if err != nil {
		return fmt.Errorf("create operation %s: %w", op.ID, err)
	}
	return nil
}

// GetOperation loads an operation by id. Returns (nil, nil) if absent.
func (s *Store) GetOperation(ctx context.Context, q Querier, id string) (*Operation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

// TryClaimOperation atomically transitions todo|rework -> in_progress and
// stamps the claim, but only if the current claim is absent or expired.
// This single conditional UPDATE is the sole mutual-exclusion primitive for
// dispatch: of N concurrent claim attempts exactly one affects a row.
func (s *Store) TryClaimOperation(ctx context.Context, q Querier, id, claimedBy string, now time.Time, ttl time.Duration) (bool, error) {
	nowStr := TimeString(now)
	res, err := q.ExecContext(ctx,
		`UPDATE operations
		 SET status = ?, claimed_by = ?, claim_expires_at = ?, last_claimed_at = ?, updated_at = ?
		 WHERE id = ?
		   AND status IN ('todo', 'rework')
		   AND (claim_expires_at IS NULL OR claim_expires_at <= ?)`,
		OpInProgress, claimedBy, TimeString(now.Add(ttl)), nowStr, nowStr, id, nowStr)
	if err != nil {
		return false, fmt.Errorf("claim operation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim operation %s: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// MarkOperationDone transitions an open operation to done and clears its
// claim. The status guard makes the terminal flip a CAS: completion
// callbacks arrive at-least-once, and of N concurrent deliveries exactly
// one affects the row — the rest see false and must treat theirs as stale.
func (s *Store) MarkOperationDone(ctx context.Context, q Querier, id string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE operations SET status = ?, claimed_by = NULL, claim_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('in_progress', 'review')`,
		OpDone, TimeString(now), id)
	if err != nil {
		return false, fmt.Errorf("mark operation %s done: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark operation %s done: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// MarkOperationReview parks a loop operation in review while a verify
// sub-operation runs. Conditional for the same reason MarkOperationDone is:
// only one of N concurrent completion deliveries may park the operation.
func (s *Store) MarkOperationReview(ctx context.Context, q Querier, id string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE operations SET status = ?, claimed_by = NULL, claim_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'in_progress'`,
		OpReview, TimeString(now), id)
	if err != nil {
		return false, fmt.Errorf("park operation %s in review: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("park operation %s in review: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// BlockOperation transitions an operation to blocked with an optional
// escalation reason, releasing any claim.
func (s *Store) BlockOperation(ctx context.Context, q Querier, id, escalationReason, feedback string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE operations SET status = ?, escalation_reason = NULLIF(?, ''),
		 last_feedback = CASE WHEN ? != '' THEN ? ELSE last_feedback END,
		 claimed_by = NULL, claim_expires_at = NULL, updated_at = ?
		 WHERE id = ?`,
		OpBlocked, escalationReason, feedback, feedback, TimeString(now), id)
	if err != nil {
		return fmt.Errorf("block operation %s: %w", id, err)
	}
	return nil
}

// RequeueOperation returns an operation to todo for another attempt,
// releasing the claim. When countRetry is set the retry and timeout
// counters are incremented (stale-recovery path); the story-retry path
// counts retries on the story row instead.
func (s *Store) RequeueOperation(ctx context.Context, q Querier, id string, countRetry bool, feedback string, now time.Time) error {
	bump := 0
	if countRetry {
		bump = 1
	}
	_, err := q.ExecContext(ctx,
		`UPDATE operations SET status = ?, retry_count = retry_count + ?,
		 timeout_count = timeout_count + ?,
		 last_feedback = CASE WHEN ? != '' THEN ? ELSE last_feedback END,
		 claimed_by = NULL, claim_expires_at = NULL, updated_at = ?
		 WHERE id = ?`,
		OpTodo, bump, bump, feedback, feedback, TimeString(now), id)
	if err != nil {
		return fmt.Errorf("requeue operation %s: %w", id, err)
	}
	return nil
}

// SetCurrentStory points a loop operation at a story and requeues it for
// dispatch. Guarded on the statuses a loop operation holds while its
// completion is being processed, so a concurrent duplicate delivery cannot
// re-point the loop after the first one already moved it.
func (s *Store) SetCurrentStory(ctx context.Context, q Querier, id, storyID string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE operations SET current_story_id = ?, status = ?,
		 claimed_by = NULL, claim_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('in_progress', 'review')`,
		storyID, OpTodo, TimeString(now), id)
	if err != nil {
		return false, fmt.Errorf("set current story on operation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set current story on operation %s: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// MarkStoryRunning flags the loop operation's active story as running at
// dispatch time.
func (s *Store) MarkStoryRunning(ctx context.Context, q Querier, storyID string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE operation_stories SET status = ?, updated_at = ? WHERE id = ?`,
		StoryRunning, TimeString(now), storyID)
	if err != nil {
		return fmt.Errorf("mark story %s running: %w", storyID, err)
	}
	return nil
}

// BlockOpenOperations blocks every open operation of a work order. Used by
// force-start to supersede in-flight work.
func (s *Store) BlockOpenOperations(ctx context.Context, q Querier, workOrderID, reason string, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE operations SET status = ?, last_feedback = ?,
		 claimed_by = NULL, claim_expires_at = NULL, updated_at = ?
		 WHERE work_order_id = ? AND status IN ('todo', 'in_progress', 'review', 'rework')`,
		OpBlocked, reason, TimeString(now), workOrderID)
	if err != nil {
		return 0, fmt.Errorf("block open operations of %s: %w", workOrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("block open operations of %s: rows affected: %w", workOrderID, err)
	}
	return n, nil
}

// LatestResumableOperation returns the most recently updated blocked, todo
// or rework operation of a work order, or (nil, nil) if none exists.
func (s *Store) LatestResumableOperation(ctx context.Context, q Querier, workOrderID string) (*Operation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations
		 WHERE work_order_id = ? AND status IN ('blocked', 'todo', 'rework')
		 ORDER BY updated_at DESC, created_at DESC LIMIT 1`,
		workOrderID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest resumable operation of %s: %w", workOrderID, err)
	}
	return op, nil
}

// FindStaleOperations returns in_progress operations whose claim expired or
// whose row has not been touched within staleAge.
func (s *Store) FindStaleOperations(ctx context.Context, q Querier, now time.Time, staleAge time.Duration) ([]*Operation, error) {
	nowStr := TimeString(now)
	cutoff := TimeString(now.Add(-staleAge))
	rows, err := q.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM operations
		 WHERE status = 'in_progress'
		   AND ((claim_expires_at IS NOT NULL AND claim_expires_at <= ?) OR updated_at <= ?)
		 ORDER BY updated_at`,
		nowStr, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stale operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale operations: %w", err)
	}
	return out, nil
}

// ListOperations returns all operations of a work order, oldest first.
func (s *Store) ListOperations(ctx context.Context, q Querier, workOrderID string) ([]*Operation, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE work_order_id = ?
		 ORDER BY created_at, id`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("list operations of %s: %w", workOrderID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return out, nil
}

// CountOpenOperations counts the open operations of a work order. The
// engine maintains the invariant that this never exceeds one (synthetic
// verify sub-operations excepted while their parent is parked in review).
func (s *Store) CountOpenOperations(ctx context.Context, q Querier, workOrderID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operations
		 WHERE work_order_id = ? AND status IN ('todo', 'in_progress', 'review', 'rework')`,
		workOrderID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open operations of %s: %w", workOrderID, err)
	}
	return n, nil
}
