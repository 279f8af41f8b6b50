package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/approvalflow/internal/taskqueue"
	"github.com/petrijr/approvalflow/pkg/api"
)

// SchedulerConfig controls the expiry scheduler. Zero fields take defaults.
type SchedulerConfig struct {
	// Interval between sweeps. Defaults to one minute.
	Interval time.Duration
	// Clock must agree with the engine's clock. Defaults to api.SystemClock.
	Clock api.Clock
	// Concurrency bounds the status lookups of one sweep. Defaults to 8.
	Concurrency int
	// Requeue is how long an instance handed to the queue is skipped by
	// later sweeps while its expire task waits for a worker. Defaults to
	// five intervals.
	Requeue time.Duration
	Logger  *slog.Logger
}

// Scheduler periodically finds active instances holding overdue votes and
// hands them to MarkExpired, either through a queue (so workers do the
// work) or directly when no queue is configured.
type Scheduler struct {
	engine      api.Engine
	queue       taskqueue.Queue
	interval    time.Duration
	clock       api.Clock
	concurrency int
	requeue     time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	queued map[string]time.Time
}

// NewScheduler creates a scheduler. queue may be nil.
func NewScheduler(engine api.Engine, queue taskqueue.Queue, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = api.SystemClock
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Requeue <= 0 {
		cfg.Requeue = 5 * cfg.Interval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		engine:      engine,
		queue:       queue,
		interval:    cfg.Interval,
		clock:       cfg.Clock,
		concurrency: cfg.Concurrency,
		requeue:     cfg.Requeue,
		logger:      cfg.Logger,
		queued:      make(map[string]time.Time),
	}
}

// SweepOnce scans every pending or in-progress instance and schedules an
// expiry for those with an overdue vote. With a queue, an instance whose
// expire task was enqueued less than Requeue ago is not enqueued again.
// It returns how many instances were scheduled.
func (s *Scheduler) SweepOnce(ctx context.Context) (int, error) {
	var active []*api.WorkflowInstance
	for _, st := range []api.Status{api.StatusPending, api.StatusInProgress} {
		insts, err := s.engine.ListInstances(ctx, api.InstanceListOptions{Status: st})
		if err != nil {
			return 0, err
		}
		active = append(active, insts...)
	}

	now := s.clock.Now()
	s.forgetBefore(now.Add(-s.requeue))
	var scheduled atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, inst := range active {
		id := inst.ID
		g.Go(func() error {
			status, err := s.engine.GetInstanceStatus(gctx, id)
			if err != nil {
				if api.IsNotFound(err) {
					return nil
				}
				return err
			}
			if !hasOverdue(status.Approvals, now) || !s.claim(id, now) {
				return nil
			}
			if err := s.expire(gctx, id); err != nil {
				s.release(id)
				return err
			}
			scheduled.Add(1)
			return nil
		})
	}
	err := g.Wait()

	n := int(scheduled.Load())
	if n > 0 {
		s.logger.InfoContext(ctx, "expiry sweep", "scanned", len(active), "scheduled", n)
	}
	return n, err
}

// claim reports whether instanceID may be scheduled now. Without a queue
// MarkExpired runs inline, so every sweep may schedule it.
func (s *Scheduler) claim(instanceID string, now time.Time) bool {
	if s.queue == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[instanceID]; ok {
		return false
	}
	s.queued[instanceID] = now
	return true
}

func (s *Scheduler) release(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, instanceID)
}

func (s *Scheduler) forgetBefore(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.queued {
		if !at.After(cutoff) {
			delete(s.queued, id)
		}
	}
}

func (s *Scheduler) expire(ctx context.Context, instanceID string) error {
	if s.queue != nil {
		return s.queue.Enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskTypeExpire, InstanceID: instanceID})
	}
	_, err := s.engine.MarkExpired(ctx, instanceID)
	return err
}

func hasOverdue(approvals []*api.WorkflowApproval, now time.Time) bool {
	for _, a := range approvals {
		if a.IsExpired(now) {
			return true
		}
	}
	return false
}

// Run sweeps every interval until ctx is cancelled. Sweep errors are
// logged. It returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "expiry sweep failed", "error", err)
			}
		}
	}
}
