package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/approvalflow/pkg/api"
)

func TestScheduler_SweepOnceQueuesOverdueInstances(t *testing.T) {
	f := newFixture(t)
	overdue := f.start(t)

	w := NewWithConfig(f.eng, f.queue, Config{Sink: &recordingSink{}, Logger: discard})
	f.drain(t, w)

	s := NewScheduler(f.eng, f.queue, SchedulerConfig{Clock: f.clock, Logger: discard})

	n, err := s.SweepOnce(f.ctx)
	require.NoError(t, err)
	require.Zero(t, n, "nothing is overdue yet")

	f.clock.Advance(90 * time.Minute)
	fresh := f.start(t)
	f.drain(t, w)

	n, err = s.SweepOnce(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, f.queue.Len())

	f.drain(t, w)

	status, err := f.eng.GetInstanceStatus(f.ctx, overdue.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusRejected, status.Instance.Status)

	status, err = f.eng.GetInstanceStatus(f.ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, status.Instance.Status)
}

func TestScheduler_WithoutQueueExpiresDirectly(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t)
	f.clock.Advance(2 * time.Hour)

	s := NewScheduler(f.eng, nil, SchedulerConfig{Clock: f.clock, Logger: discard})
	n, err := s.SweepOnce(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	status, err := f.eng.GetInstanceStatus(f.ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusRejected, status.Instance.Status)
}

func TestScheduler_RunSweepsOnTicker(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t)
	f.clock.Advance(2 * time.Hour)

	s := NewScheduler(f.eng, nil, SchedulerConfig{Interval: 10 * time.Millisecond, Clock: f.clock, Logger: discard})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		status, err := f.eng.GetInstanceStatus(f.ctx, inst.ID)
		return err == nil && status.Instance.Status == api.StatusRejected
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_SweepOnceSkipsInstancesAlreadyQueued(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	w := NewWithConfig(f.eng, f.queue, Config{Sink: &recordingSink{}, Logger: discard})
	f.drain(t, w)
	f.clock.Advance(2 * time.Hour)

	s := NewScheduler(f.eng, f.queue, SchedulerConfig{
		Interval: time.Minute,
		Requeue:  10 * time.Minute,
		Clock:    f.clock,
		Logger:   discard,
	})

	n, err := s.SweepOnce(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	f.clock.Advance(time.Minute)
	n, err = s.SweepOnce(f.ctx)
	require.NoError(t, err)
	require.Zero(t, n, "expire task is still queued")
	require.Equal(t, 1, f.queue.Len())

	// A task nobody picked up is enqueued again once the window passes.
	f.clock.Advance(10 * time.Minute)
	n, err = s.SweepOnce(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, f.queue.Len())
}
