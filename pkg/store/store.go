// Package store is the persistence layer for the foreman engine: typed
// accessors over a SQLite database. All multi-process coordination — claim
// leases, completion-token idempotency, the tick lease — happens through
// conditional writes here, never through in-process locks, so any number of
// engine processes can share one database file safely.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Querier is the subset of *sql.DB and *sql.Tx the store methods need.
// Methods that must run inside a completion transaction take a Querier so
// callers pass the transaction explicitly.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the engine database.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database. The caller owns db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens a SQLite database at path with production-safe defaults: WAL
// journal mode and a 5-second busy timeout. The pragmas ride on the DSN so
// the driver applies them to every connection in the pool — a PRAGMA
// statement would only reach the one connection it happens to run on,
// leaving the rest to fail fast with SQLITE_BUSY under write contention.
// It pings the database to verify it is usable before returning.
func Open(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	return db, nil
}

// Init applies the schema and migrations. Migrations use ALTER TABLE which
// errors if the column already exists; those errors are intentionally
// ignored (try/ignore pattern).
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SchemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, MigrateLastFeedback)
	_, _ = s.db.ExecContext(ctx, MigrateTimeoutCounts)
	return nil
}

// DB exposes the underlying database as a Querier for non-transactional
// calls.
func (s *Store) DB() Querier {
	return s.db
}

// InTx runs fn inside one transaction, committing on nil and rolling back
// on error.
func (s *Store) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// timeLayout matches SQLite's datetime('now') output so Go-written and
// SQL-written timestamps compare lexicographically.
const timeLayout = "2006-01-02 15:04:05"

// TimeString formats t for storage.
func TimeString(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a stored timestamp. Returns the zero time for empty or
// malformed values.
func ParseTime(s string) time.Time {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// marshalJSON serializes v, falling back to "[]" / "{}"-free empty string
// only on marshal failure (which cannot happen for the types we store).
func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// unmarshalStrings decodes a JSON string array, treating malformed or empty
// input as absent rather than erroring mid-transaction.
func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
