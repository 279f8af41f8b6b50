package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_definitions (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		body BYTEA NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
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
		context BYTEA,
		initiated_by TEXT NOT NULL,
		initiated_at BIGINT NOT NULL,
		completed_at BIGINT,
		cancelled_at BIGINT,
		cancellation_reason TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL,
		revision BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_instances_workflow ON workflow_instances(workflow_id, status)`,
	`CREATE TABLE IF NOT EXISTS workflow_approvals (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
		step_number INTEGER NOT NULL,
		round INTEGER NOT NULL,
		approver_id TEXT NOT NULL,
		status TEXT NOT NULL,
		decision TEXT NOT NULL DEFAULT '',
		comments TEXT NOT NULL DEFAULT '',
		opened_at BIGINT NOT NULL,
		approved_at BIGINT,
		expires_at BIGINT,
		delegated_to TEXT NOT NULL DEFAULT '',
		delegated_at BIGINT,
		UNIQUE (instance_id, step_number, round, approver_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_approvals_approver ON workflow_approvals(approver_id, status)`,
	`CREATE TABLE IF NOT EXISTS workflow_events (
		id BIGSERIAL PRIMARY KEY,
		instance_id TEXT NOT NULL,
		at BIGINT NOT NULL,
		type TEXT NOT NULL,
		workflow_id TEXT NOT NULL DEFAULT '',
		workflow_version INTEGER NOT NULL DEFAULT 0,
		step INTEGER NOT NULL DEFAULT -1,
		actor TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_events_instance_id ON workflow_events(instance_id, id)`,
}

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// NewPostgresStore initializes the schema in db and returns a store.
//
// It expects an *sql.DB that uses the pgx stdlib driver, see OpenPostgres.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return newSQLStore(ctx, db, dialect{
		name:     "postgres",
		numbered: true,
		schema:   postgresSchema,
		isUniqueViolation: func(err error) bool {
			var pgErr *pgconn.PgError
			return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
		},
	})
}

// OpenPostgres opens a PostgreSQL database through the pgx driver.
func OpenPostgres(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}
