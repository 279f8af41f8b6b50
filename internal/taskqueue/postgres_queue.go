package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS approval_tasks (
//	    seq         BIGSERIAL PRIMARY KEY,
//	    id          TEXT NOT NULL,
//	    type        TEXT NOT NULL,
//	    instance_id TEXT,
//	    body        BYTEA NOT NULL,
//	    enqueued_at TIMESTAMPTZ NOT NULL,
//	    not_before  TIMESTAMPTZ NOT NULL
//	);
//
// Due tasks come out ordered by not_before, then insertion order.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, pollInterval: 100 * time.Millisecond}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS approval_tasks (
			seq         BIGSERIAL PRIMARY KEY,
			id          TEXT NOT NULL,
			type        TEXT NOT NULL,
			instance_id TEXT,
			body        BYTEA NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL,
			not_before  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS approval_tasks_due ON approval_tasks (not_before, seq);
	`)
	return err
}

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	body, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO approval_tasks (id, type, instance_id, body, enqueued_at, not_before)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, string(t.Type), t.InstanceID, body, t.EnqueuedAt.UTC(), t.NotBefore.UTC(),
	)
	return err
}

// Dequeue polls until a task is due or ctx is cancelled. Rows are claimed
// with SELECT ... FOR UPDATE SKIP LOCKED and deleted in the same
// transaction, so concurrent workers never receive the same task.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		task, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *PostgresQueue) claim(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  int64
		body []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, body
		FROM approval_tasks
		WHERE not_before <= $1
		ORDER BY not_before, seq
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, time.Now().UTC()).Scan(&seq, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM approval_tasks WHERE seq = $1`, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task, err := DecodeTask(body)
	if err != nil {
		return nil, fmt.Errorf("decode task %d: %w", seq, err)
	}
	return task, nil
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM approval_tasks`).Scan(&n); err != nil {
		slog.Warn("postgres queue length failed", "error", err)
		return 0
	}
	return n
}
