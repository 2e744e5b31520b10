package store

// SchemaDDL defines the SQLite schema for the foreman engine database.
// Tables: work_orders, operations, operation_stories, approvals, activities,
// receipts, completion_tokens, leases, agent_sessions.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Top-level units of goal-directed work. Created by planning; the engine
-- owns every state transition after start.
CREATE TABLE IF NOT EXISTS work_orders (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    goal TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 0,
    tags TEXT NOT NULL DEFAULT '[]',
    state TEXT NOT NULL DEFAULT 'planned',
    workflow_id TEXT,
    current_stage INTEGER NOT NULL DEFAULT 0,
    blocked_reason TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- One dispatchable attempt at one stage of one work order. Append-only
-- audit trail: operations are never deleted.
CREATE TABLE IF NOT EXISTS operations (
    id TEXT PRIMARY KEY,
    work_order_id TEXT NOT NULL REFERENCES work_orders(id),
    stage_index INTEGER NOT NULL,
    stage_ref TEXT NOT NULL DEFAULT '',
    agent_role TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'todo',
    execution_type TEXT NOT NULL DEFAULT 'single',
    loop_config TEXT,
    current_story_id TEXT,
    iteration_count INTEGER NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    timeout_count INTEGER NOT NULL DEFAULT 0,
    claimed_by TEXT,
    claim_expires_at TEXT,
    last_claimed_at TEXT,
    escalation_reason TEXT,
    last_feedback TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_operations_wo_status ON operations(work_order_id, status);
CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);

-- Child rows of a loop operation, bulk-created when the loop stage first
-- returns a parseable story list.
CREATE TABLE IF NOT EXISTS operation_stories (
    id TEXT PRIMARY KEY,
    operation_id TEXT NOT NULL REFERENCES operations(id),
    story_index INTEGER NOT NULL,
    story_key TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    acceptance_criteria TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'pending',
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 2,
    output TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_stories_operation ON operation_stories(operation_id, story_index);

-- Escalation records requiring a human decision.
CREATE TABLE IF NOT EXISTS approvals (
    id TEXT PRIMARY KEY,
    work_order_id TEXT NOT NULL,
    operation_id TEXT,
    type TEXT NOT NULL,
    question TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    resolved_at TEXT
);

-- Audit trail: every engine transition writes a row describing what
-- happened and why, independent of process logs.
CREATE TABLE IF NOT EXISTS activities (
    id INTEGER PRIMARY KEY,
    work_order_id TEXT,
    operation_id TEXT,
    type TEXT NOT NULL,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_activities_wo ON activities(work_order_id, id);

-- One row per reported completion: exit code plus artifacts.
CREATE TABLE IF NOT EXISTS receipts (
    id INTEGER PRIMARY KEY,
    operation_id TEXT NOT NULL,
    exit_code INTEGER NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    artifacts TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Idempotency gate: inserting the caller-supplied token is the sole test
-- for whether a completion callback is a duplicate.
CREATE TABLE IF NOT EXISTS completion_tokens (
    token TEXT PRIMARY KEY,
    operation_id TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- TTL advisory leases. The tick lease lives here so that multiple engine
-- processes sharing the database file coordinate through it.
CREATE TABLE IF NOT EXISTS leases (
    key TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    expires_at TEXT NOT NULL
);

-- Liveness records for agent sessions. Stale recovery consults these to
-- avoid reclaiming work that is actually still running.
CREATE TABLE IF NOT EXISTS agent_sessions (
    session_key TEXT PRIMARY KEY,
    session_id TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL,
    operation_id TEXT,
    state TEXT NOT NULL DEFAULT 'active',
    last_seen_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sessions_operation ON agent_sessions(operation_id, state);
`

// MigrateLastFeedback adds the last_feedback column to databases created
// before verify feedback was snapshotted into dispatch payloads.
const MigrateLastFeedback = `
ALTER TABLE operations ADD COLUMN last_feedback TEXT NOT NULL DEFAULT '';
`

// MigrateTimeoutCounts adds the timeout_count column to pre-existing
// operations tables.
const MigrateTimeoutCounts = `
ALTER TABLE operations ADD COLUMN timeout_count INTEGER NOT NULL DEFAULT 0;
`
