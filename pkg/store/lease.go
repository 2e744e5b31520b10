package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease takes or renews a TTL advisory lease. The upsert succeeds
// only when the key is free, the existing lease has expired, or the caller
// already holds it (re-entrant renewal). Losing the race affects zero rows
// and returns false — callers treat that as "someone else has it, do
// nothing", never as an error.
func (s *Store) AcquireLease(ctx context.Context, q Querier, key, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO leases (key, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE leases.expires_at <= ? OR leases.holder = excluded.holder`,
		key, holder, TimeString(now.Add(ttl)), TimeString(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: rows affected: %w", key, err)
	}
	return n > 0, nil
}

// ReleaseLease drops a lease if the caller still holds it. Releasing a
// lease someone else took over (after expiry) is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, q Querier, key, holder string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM leases WHERE key = ? AND holder = ?`, key, holder)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

// InsertCompletionToken attempts to record a caller-supplied idempotency
// token. Returns false when the token was already recorded: that exact
// completion has been processed and must not re-execute business logic.
// INSERT OR IGNORE keeps the duplicate check a single atomic write.
func (s *Store) InsertCompletionToken(ctx context.Context, q Querier, token, operationID string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO completion_tokens (token, operation_id) VALUES (?, ?)`,
		token, operationID)
	if err != nil {
		return false, fmt.Errorf("insert completion token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert completion token: rows affected: %w", err)
	}
	return n > 0, nil
}
