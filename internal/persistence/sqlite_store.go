package persistence

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_definitions (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		body BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_instances (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		workflow_version INTEGER NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		current_step INTEGER NOT NULL,
		status TEXT NOT NULL,
		context BLOB,
		initiated_by TEXT NOT NULL,
		initiated_at INTEGER NOT NULL,
		completed_at INTEGER,
		cancelled_at INTEGER,
		cancellation_reason TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		revision INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_instances_workflow ON workflow_instances(workflow_id, status)`,
	`CREATE TABLE IF NOT EXISTS workflow_approvals (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		step_number INTEGER NOT NULL,
		round INTEGER NOT NULL,
		approver_id TEXT NOT NULL,
		status TEXT NOT NULL,
		decision TEXT NOT NULL DEFAULT '',
		comments TEXT NOT NULL DEFAULT '',
		opened_at INTEGER NOT NULL,
		approved_at INTEGER,
		expires_at INTEGER,
		delegated_to TEXT NOT NULL DEFAULT '',
		delegated_at INTEGER,
		UNIQUE (instance_id, step_number, round, approver_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_approvals_approver ON workflow_approvals(approver_id, status)`,
	`CREATE TABLE IF NOT EXISTS workflow_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id TEXT NOT NULL,
		at INTEGER NOT NULL,
		type TEXT NOT NULL,
		workflow_id TEXT NOT NULL DEFAULT '',
		workflow_version INTEGER NOT NULL DEFAULT 0,
		step INTEGER NOT NULL DEFAULT -1,
		actor TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_events_instance_id ON workflow_events(instance_id, id)`,
}

// NewSQLiteStore initializes the schema in db and returns a store.
//
// It expects an *sql.DB opened with the "sqlite" driver from
// modernc.org/sqlite. In-memory databases must be limited to a single
// connection, see OpenSQLite.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return newSQLStore(ctx, db, dialect{
		name:   "sqlite",
		schema: sqliteSchema,
		isUniqueViolation: func(err error) bool {
			return strings.Contains(err.Error(), "UNIQUE constraint failed")
		},
	})
}

// OpenSQLite opens a SQLite database at dsn (a file path or ":memory:")
// with a single connection, which serializes writers.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
