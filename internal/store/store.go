// Package store provides SQLite-backed persistence for Sidekick state.
//
// All writes serialize through a single writer mutex so per-run event
// sequence numbers and per-step task attempts are allocated without
// collisions. Reads go straight to the database and never take the lock.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for Sidekick state.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes all writes
}

const schema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name TEXT PRIMARY KEY,
	applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	settings TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	query_text TEXT NOT NULL,
	mode TEXT NOT NULL DEFAULT 'plan_only',
	status TEXT NOT NULL DEFAULT 'created',
	parent_run_id TEXT NOT NULL DEFAULT '',
	purpose TEXT NOT NULL DEFAULT '',
	meta TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	started_at DATETIME,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS plan_steps (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	step_index INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	skill_name TEXT NOT NULL,
	inputs TEXT NOT NULL DEFAULT '{}',
	depends_on TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'created',
	kind TEXT NOT NULL DEFAULT '',
	success_checks TEXT NOT NULL DEFAULT 'null',
	danger_flags TEXT NOT NULL DEFAULT '[]',
	requires_approval INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	plan_step_id TEXT NOT NULL REFERENCES plan_steps(id),
	attempt INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	ts DATETIME NOT NULL,
	type TEXT NOT NULL,
	level TEXT NOT NULL DEFAULT 'info',
	message TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	task_id TEXT NOT NULL DEFAULT '',
	step_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	task_id TEXT NOT NULL DEFAULT '',
	step_id TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT '',
	approval_type TEXT NOT NULL DEFAULT '',
	preview TEXT NOT NULL DEFAULT '{}',
	proposed_actions TEXT NOT NULL DEFAULT 'null',
	status TEXT NOT NULL DEFAULT 'pending',
	decision TEXT NOT NULL DEFAULT 'null',
	decided_by TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	pinned INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT 'auto',
	meta TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS reminders (
	id TEXT PRIMARY KEY,
	due_at DATETIME NOT NULL,
	text TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	delivery TEXT NOT NULL DEFAULT 'local',
	run_id TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS session_tokens (
	name TEXT PRIMARY KEY,
	salt TEXT NOT NULL,
	token_hash TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sources (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	snippet TEXT NOT NULL DEFAULT '',
	fetched_at DATETIME
);

CREATE TABLE IF NOT EXISTS facts (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	source_id TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	text TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT 'null'
);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_plan_steps_run_index ON plan_steps(run_id, step_index);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_step_attempt ON tasks(plan_step_id, attempt);
CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(run_id);
CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id);
CREATE INDEX IF NOT EXISTS idx_reminders_status_due ON reminders(status, due_at);
CREATE INDEX IF NOT EXISTS idx_sources_run ON sources(run_id);
CREATE INDEX IF NOT EXISTS idx_facts_run ON facts(run_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);
`

// migrations are applied once each, tracked by name in schema_migrations.
// Each statement must be idempotent so a crash between exec and record is safe.
var migrations = []struct {
	name string
	sql  string
}{
	{"0001_memory_search_index.sql", `CREATE INDEX IF NOT EXISTS idx_memories_deleted ON memories(is_deleted)`},
	{"0002_events_run_index.sql", `CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id)`},
}

// Open creates or opens a SQLite database at the given path and ensures the
// schema exists. WAL mode keeps readers from blocking the single writer.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate applies any migration not yet recorded in schema_migrations.
func migrate(db *sql.DB) error {
	for _, m := range migrations {
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, m.name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if count > 0 {
			continue
		}
		if _, err := db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (name) VALUES (?)`, m.name); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction while holding the writer lock.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// rawOr returns raw when non-empty and valid-enough, else the fallback
// literal. Keeps TEXT JSON columns from ever holding the empty string.
func rawOr(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	return string(raw)
}

func marshalList[T any](v []T) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalList[T any](raw string) []T {
	var v []T
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
