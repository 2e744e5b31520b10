package store

import (
	"context"
	"fmt"
	"time"
)

// Agent session states.
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// UpsertSession records (or refreshes) an agent session, typically right
// after a successful dispatch.
func (s *Store) UpsertSession(ctx context.Context, q Querier, sess *AgentSession, now time.Time) error {
	state := sess.State
	if state == "" {
		state = SessionActive
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO agent_sessions (session_key, session_id, agent_id, operation_id, state, last_seen_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET session_id = excluded.session_id,
		   agent_id = excluded.agent_id, operation_id = excluded.operation_id,
		   state = excluded.state, last_seen_at = excluded.last_seen_at`,
		sess.SessionKey, sess.SessionID, sess.AgentID, sess.OperationID, state, TimeString(now))
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.SessionKey, err)
	}
	return nil
}

// TouchSession refreshes a session's liveness timestamp. External session
// layers call this on heartbeat so stale recovery can see the work is live.
func (s *Store) TouchSession(ctx context.Context, q Querier, sessionKey string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE agent_sessions SET last_seen_at = ? WHERE session_key = ?`,
		TimeString(now), sessionKey)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionKey, err)
	}
	return nil
}

// CloseSession marks a session closed.
func (s *Store) CloseSession(ctx context.Context, q Querier, sessionKey string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE agent_sessions SET state = ?, last_seen_at = ? WHERE session_key = ?`,
		SessionClosed, TimeString(now), sessionKey)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionKey, err)
	}
	return nil
}

// HasFreshSession reports whether an operation has an active session seen
// within the freshness window. Stale recovery uses this as the guard
// against reclaiming work that is genuinely still running.
func (s *Store) HasFreshSession(ctx context.Context, q Querier, operationID string, now time.Time, freshness time.Duration) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_sessions
		 WHERE operation_id = ? AND state = ? AND last_seen_at >= ?`,
		operationID, SessionActive, TimeString(now.Add(-freshness))).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check fresh session for %s: %w", operationID, err)
	}
	return n > 0, nil
}
