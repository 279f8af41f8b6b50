package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/approvalflow/internal/taskqueue"
	"github.com/petrijr/approvalflow/pkg/api"
)

// Config controls worker behaviour. Zero fields take defaults.
type Config struct {
	// Sink receives notify tasks. Defaults to a LogSink on Logger.
	Sink NotificationSink
	// Retry applies to failed notification deliveries. Defaults to
	// DefaultRetryPolicy.
	Retry RetryPolicy
	// Concurrency is the number of goroutines Run uses. Defaults to 1.
	Concurrency int
	Logger      *slog.Logger
}

// Worker pulls tasks from a Queue and executes them against an Engine.
type Worker struct {
	engine      api.Engine
	queue       taskqueue.Queue
	sink        NotificationSink
	retry       RetryPolicy
	concurrency int
	logger      *slog.Logger
}

// New creates a Worker with default configuration.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker with the given configuration.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = LogSink{Logger: cfg.Logger}
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		engine:      engine,
		queue:       queue,
		sink:        cfg.Sink,
		retry:       cfg.Retry,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
}

// EnqueueExpire schedules an expiry sweep of one instance.
func (w *Worker) EnqueueExpire(ctx context.Context, instanceID string) error {
	return w.EnqueueExpireAt(ctx, instanceID, time.Time{})
}

// EnqueueExpireAt schedules an expiry sweep no earlier than at.
func (w *Worker) EnqueueExpireAt(ctx context.Context, instanceID string, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeExpire,
		InstanceID: instanceID,
		NotBefore:  at,
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (context cancelled or the
//     queue failed).
//   - processed == true: a task was handled; err reports whether the
//     handler succeeded. Failed deliveries may already be re-queued.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeNotify:
		if err := w.sink.Deliver(ctx, notificationFromTask(task)); err != nil {
			return true, w.retryLater(ctx, task, err)
		}
		return true, nil

	case taskqueue.TaskTypeExpire:
		_, err := w.engine.MarkExpired(ctx, task.InstanceID)
		switch {
		case err == nil:
			return true, nil
		case api.IsNotFound(err):
			w.logger.WarnContext(ctx, "expiry sweep for unknown instance", "instance_id", task.InstanceID)
			return true, nil
		case api.IsConflict(err):
			return true, w.retryLater(ctx, task, err)
		default:
			return true, err
		}

	default:
		return true, errors.New("unknown task type: " + string(task.Type))
	}
}

// retryLater re-enqueues a failed task with backoff, or drops it once the
// retry policy is exhausted. It always returns an error describing cause.
func (w *Worker) retryLater(ctx context.Context, task *taskqueue.Task, cause error) error {
	attempt := task.Attempts + 1
	if attempt >= w.retry.attempts() {
		w.logger.ErrorContext(ctx, "task dropped",
			"task_id", task.ID,
			"type", string(task.Type),
			"instance_id", task.InstanceID,
			"attempts", attempt,
			"error", cause,
		)
		return fmt.Errorf("task %s dropped after %d attempts: %w", task.ID, attempt, cause)
	}

	next := *task
	next.Attempts = attempt
	next.NotBefore = time.Now().Add(w.retry.Backoff(attempt))
	if err := w.queue.Enqueue(ctx, next); err != nil {
		return errors.Join(cause, fmt.Errorf("requeue task %s: %w", task.ID, err))
	}
	w.logger.DebugContext(ctx, "task requeued",
		"task_id", task.ID,
		"attempt", attempt,
		"not_before", next.NotBefore,
	)
	return fmt.Errorf("task %s attempt %d: %w", task.ID, attempt, cause)
}

// Run processes tasks until ctx is cancelled. Handler failures are logged
// and do not stop the loop. It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if err == nil {
					continue
				}
				if !processed {
					// The queue itself failed; back off before polling again.
					w.logger.ErrorContext(ctx, "dequeue failed", "error", err)
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(time.Second):
					}
					continue
				}
				w.logger.WarnContext(ctx, "task failed", "error", err)
			}
		})
	}
	return g.Wait()
}
