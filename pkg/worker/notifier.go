package worker

import (
	"context"
	"log/slog"

	"github.com/petrijr/approvalflow/internal/taskqueue"
	"github.com/petrijr/approvalflow/pkg/api"
)

// Notification is what a NotificationSink receives for every engine
// notification that went through the queue.
type Notification struct {
	Event           api.NotificationEvent
	InstanceID      string
	WorkflowID      string
	WorkflowVersion int
	EntityType      string
	EntityID        string
	Status          api.Status
	Step            int

	// Attempt is 0 on the first delivery.
	Attempt int
}

// NotificationSink delivers notifications to people (mail, chat, webhooks).
type NotificationSink interface {
	Deliver(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to NotificationSink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Deliver(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogSink writes every notification to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"event", string(n.Event),
		"instance_id", n.InstanceID,
		"workflow_id", n.WorkflowID,
		"workflow_version", n.WorkflowVersion,
		"entity", n.EntityType+"/"+n.EntityID,
		"step", n.Step,
	)
	return nil
}

// QueueNotifier is an api.Notifier that parks notifications in a task
// queue. A Worker delivers them later, retrying failed deliveries.
type QueueNotifier struct {
	queue taskqueue.Queue
}

// NewQueueNotifier returns a notifier writing to queue.
func NewQueueNotifier(queue taskqueue.Queue) *QueueNotifier {
	return &QueueNotifier{queue: queue}
}

var _ api.Notifier = (*QueueNotifier)(nil)

func (n *QueueNotifier) Notify(ctx context.Context, event api.NotificationEvent, inst *api.WorkflowInstance, step int) error {
	return n.queue.Enqueue(ctx, taskqueue.Task{
		Type:            taskqueue.TaskTypeNotify,
		InstanceID:      inst.ID,
		Event:           string(event),
		Step:            step,
		WorkflowID:      inst.WorkflowID,
		WorkflowVersion: inst.WorkflowVersion,
		EntityType:      inst.EntityType,
		EntityID:        inst.EntityID,
		Status:          string(inst.Status),
	})
}

func notificationFromTask(t *taskqueue.Task) Notification {
	return Notification{
		Event:           api.NotificationEvent(t.Event),
		InstanceID:      t.InstanceID,
		WorkflowID:      t.WorkflowID,
		WorkflowVersion: t.WorkflowVersion,
		EntityType:      t.EntityType,
		EntityID:        t.EntityID,
		Status:          api.Status(t.Status),
		Step:            t.Step,
		Attempt:         t.Attempts,
	}
}

// DirectNotifier hands notifications straight to a sink without queueing.
// Failed deliveries are returned to the engine, which logs and drops them.
type DirectNotifier struct {
	Sink NotificationSink
}

var _ api.Notifier = DirectNotifier{}

func (n DirectNotifier) Notify(ctx context.Context, event api.NotificationEvent, inst *api.WorkflowInstance, step int) error {
	return n.Sink.Deliver(ctx, Notification{
		Event:           event,
		InstanceID:      inst.ID,
		WorkflowID:      inst.WorkflowID,
		WorkflowVersion: inst.WorkflowVersion,
		EntityType:      inst.EntityType,
		EntityID:        inst.EntityID,
		Status:          inst.Status,
		Step:            step,
	})
}
