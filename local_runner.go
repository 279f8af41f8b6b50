package approvalflow

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/approvalflow/internal/taskqueue"
	"github.com/petrijr/approvalflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, a
// Worker and an expiry Scheduler for development and tests.
//
// Typical usage:
//
//	runner := approvalflow.NewLocalRunner(worker.Config{Sink: sink})
//	approvalflow.NewDefinition("expense", "Expense").
//	    Step(approvalflow.AnyOf("alice")).
//	    MustDeploy(ctx, runner.Engine, "admin")
//
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory approval engine used by this runner.
	Engine Engine

	// Queue holds notifications and expiry sweeps for the Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	// Scheduler finds overdue votes; call SweepOnce or let StartWorkers run it.
	Scheduler *worker.Scheduler

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner. Engine notifications go
// through the queue to cfg.Sink.
func NewLocalRunner(cfg worker.Config, opts ...Option) *LocalRunner {
	q := taskqueue.NewInMemoryQueue()
	opts = append([]Option{WithNotifier(worker.NewQueueNotifier(q))}, opts...)
	eng := NewInMemoryEngine(opts...)

	return &LocalRunner{
		Engine:    eng,
		Queue:     q,
		Worker:    worker.NewWithConfig(eng, q, cfg),
		Scheduler: worker.NewScheduler(eng, q, worker.SchedulerConfig{Clock: clockOf(opts), Logger: cfg.Logger}),
	}
}

// StartWorkers starts 'concurrency' worker goroutines plus the scheduler.
// They run until Stop is called or ctx is cancelled.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("approvalflow: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency + 1)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()
			_ = r.Worker.Run(ctx)
		}()
	}
	go func() {
		defer r.wg.Done()
		_ = r.Scheduler.Run(ctx)
	}()

	return nil
}

// Stop cancels all goroutines started by StartWorkers and waits for them
// to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// ExpireAsync enqueues an expiry sweep of one instance.
func (r *LocalRunner) ExpireAsync(ctx context.Context, instanceID string) error {
	return r.Worker.EnqueueExpire(ctx, instanceID)
}
