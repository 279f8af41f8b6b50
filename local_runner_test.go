package approvalflow

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/approvalflow/pkg/worker"
)

type collectingSink struct {
	mu  sync.Mutex
	got []worker.Notification
}

func (s *collectingSink) Deliver(_ context.Context, n worker.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return nil
}

func (s *collectingSink) events(instanceID string) []NotificationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []NotificationEvent
	for _, n := range s.got {
		if n.InstanceID == instanceID {
			out = append(out, n.Event)
		}
	}
	return out
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestLocalRunner_DeliversNotificationsAsync(t *testing.T) {
	ctx := context.Background()
	sink := &collectingSink{}
	runner := NewLocalRunner(worker.Config{Sink: sink, Logger: quiet}, WithLogger(quiet))

	NewDefinition("expense", "Expense").
		Step(AnyOf("alice", "bob")).
		MustDeploy(ctx, runner.Engine, "admin")

	require.NoError(t, runner.StartWorkers(ctx, 2))
	defer runner.Stop()
	require.Error(t, runner.StartWorkers(ctx, 1), "second start is refused")

	inst, err := Start(ctx, runner.Engine, "expense", "expense", "E-1", "requester", nil)
	require.NoError(t, err)
	_, err = ApproveAs(ctx, runner.Engine, inst.ID, "alice", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.events(inst.ID)) == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.ElementsMatch(t, []NotificationEvent{
		"approval_requested", "step_approved", "instance_completed",
	}, sink.events(inst.ID))
}

func TestLocalRunner_ExpireAsync(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
	runner := NewLocalRunner(worker.Config{Sink: &collectingSink{}, Logger: quiet}, WithClock(clock), WithLogger(quiet))

	NewDefinition("expense", "Expense").
		Step(AllOf("alice").Timeout(1)).
		MustDeploy(ctx, runner.Engine, "admin")

	inst, err := Start(ctx, runner.Engine, "expense", "expense", "E-1", "requester", nil)
	require.NoError(t, err)

	require.NoError(t, runner.StartWorkers(ctx, 1))
	defer runner.Stop()

	clock.advance(2 * time.Hour)
	require.NoError(t, runner.ExpireAsync(ctx, inst.ID))

	require.Eventually(t, func() bool {
		status, err := runner.Engine.GetInstanceStatus(ctx, inst.ID)
		return err == nil && status.Instance.Status == StatusRejected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLocalRunner_StopIsIdempotent(t *testing.T) {
	runner := NewLocalRunner(worker.Config{Logger: quiet})
	runner.Stop()

	require.NoError(t, runner.StartWorkers(context.Background(), 0))
	runner.Stop()
	runner.Stop()
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
