package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const storyColumns = `id, operation_id, story_index, story_key, title, description,
	acceptance_criteria, status, retry_count, max_retries, output`

func scanStory(row interface{ Scan(...any) error }) (*Story, error) {
	var st Story
	var criteria string
	err := row.Scan(&st.ID, &st.OperationID, &st.StoryIndex, &st.StoryKey, &st.Title,
		&st.Description, &criteria, &st.Status, &st.RetryCount, &st.MaxRetries, &st.Output)
	if err != nil {
		return nil, err
	}
	st.AcceptanceCriteria = unmarshalStrings(criteria)
	return &st, nil
}

// InsertStories bulk-inserts the story list of a loop operation, preserving
// the given order. Called exactly once per loop operation, when its first
// completion returns a parseable story list.
func (s *Store) InsertStories(ctx context.Context, q Querier, stories []*Story) error {
	for _, st := range stories {
		_, err := q.ExecContext(ctx,
			`INSERT INTO operation_stories (id, operation_id, story_index, story_key, title,
			 description, acceptance_criteria, status, max_retries)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.OperationID, st.StoryIndex, st.StoryKey, st.Title,
			st.Description, marshalJSON(st.AcceptanceCriteria), StoryPending, st.MaxRetries)
		if err != nil {
			return fmt.Errorf("insert story %s: %w", st.ID, err)
		}
	}
	return nil
}

// GetStory loads a story by id. Returns (nil, nil) if absent.
func (s *Store) GetStory(ctx context.Context, q Querier, id string) (*Story, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM operation_stories WHERE id = ?`, id)
	st, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get story %s: %w", id, err)
	}
	return st, nil
}

// NextPendingStory returns the lowest-index pending story of a loop
// operation, or (nil, nil) when the loop is exhausted.
func (s *Store) NextPendingStory(ctx context.Context, q Querier, operationID string) (*Story, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM operation_stories
		 WHERE operation_id = ? AND status = 'pending'
		 ORDER BY story_index LIMIT 1`, operationID)
	st, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending story of %s: %w", operationID, err)
	}
	return st, nil
}

// MarkStoryDone records a successful story with its output.
func (s *Store) MarkStoryDone(ctx context.Context, q Querier, id, output string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE operation_stories SET status = ?, output = ?, updated_at = ? WHERE id = ?`,
		StoryDone, output, TimeString(now), id)
	if err != nil {
		return fmt.Errorf("mark story %s done: %w", id, err)
	}
	return nil
}

// MarkStoryFailed records a story that exhausted its retry budget.
func (s *Store) MarkStoryFailed(ctx context.Context, q Querier, id string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE operation_stories SET status = ?, updated_at = ? WHERE id = ?`,
		StoryFailed, TimeString(now), id)
	if err != nil {
		return fmt.Errorf("mark story %s failed: %w", id, err)
	}
	return nil
}

// IncrementStoryRetry bumps a story's retry counter and returns the new
// count. The story goes back to pending so a re-dispatch picks it up.
func (s *Store) IncrementStoryRetry(ctx context.Context, q Querier, id string, now time.Time) (int, error) {
	_, err := q.ExecContext(ctx,
		`UPDATE operation_stories SET retry_count = retry_count + 1, status = ?, updated_at = ?
		 WHERE id = ?`,
		StoryPending, TimeString(now), id)
	if err != nil {
		return 0, fmt.Errorf("increment retry on story %s: %w", id, err)
	}
	var n int
	if err := q.QueryRowContext(ctx,
		`SELECT retry_count FROM operation_stories WHERE id = ?`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("read retry count of story %s: %w", id, err)
	}
	return n, nil
}

// ListStories returns all stories of a loop operation in story order.
func (s *Store) ListStories(ctx context.Context, q Querier, operationID string) ([]*Story, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+storyColumns+` FROM operation_stories
		 WHERE operation_id = ? ORDER BY story_index`, operationID)
	if err != nil {
		return nil, fmt.Errorf("list stories of %s: %w", operationID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stories: %w", err)
	}
	return out, nil
}

// CountStoriesByStatus returns how many stories of an operation are in the
// given status.
func (s *Store) CountStoriesByStatus(ctx context.Context, q Querier, operationID string, status StoryStatus) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operation_stories WHERE operation_id = ? AND status = ?`,
		operationID, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s stories of %s: %w", status, operationID, err)
	}
	return n, nil
}
