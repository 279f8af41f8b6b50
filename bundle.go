package approvalflow

import (
	"context"
	"database/sql"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/approvalflow/internal/taskqueue"
	workerpkg "github.com/petrijr/approvalflow/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue used as the
// notification outbox, a Worker that drains it, and an expiry Scheduler.
type WorkerBundle struct {
	Engine    Engine
	Worker    *workerpkg.Worker
	Scheduler *workerpkg.Scheduler

	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Definitions, instances, history and queued
// notifications all live in db.
//
// Typical usage:
//
//	db, _ := approvalflow.OpenSQLite("approvals.db")
//	bundle, err := approvalflow.NewSQLiteBundle(db, worker.Config{Sink: mailer},
//	    worker.SchedulerConfig{Interval: time.Minute}, approvalflow.WithRoles(roles))
//	go bundle.Run(ctx)
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config, sched workerpkg.SchedulerConfig, opts ...Option) (*WorkerBundle, error) {
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	opts = append([]Option{WithNotifier(workerpkg.NewQueueNotifier(q))}, opts...)
	eng, err := NewSQLiteEngine(db, opts...)
	if err != nil {
		return nil, err
	}

	if sched.Clock == nil {
		sched.Clock = clockOf(opts)
	}
	if sched.Logger == nil {
		sched.Logger = cfg.Logger
	}
	return &WorkerBundle{
		Engine:    eng,
		Worker:    workerpkg.NewWithConfig(eng, q, cfg),
		Scheduler: workerpkg.NewScheduler(eng, q, sched),
		queue:     q,
	}, nil
}

// Pending returns the number of queued tasks.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}

// Run drives the worker and the scheduler until ctx is cancelled.
func (b *WorkerBundle) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Worker.Run(ctx) })
	g.Go(func() error { return b.Scheduler.Run(ctx) })
	return g.Wait()
}
