package persistence

import (
	"context"

	"github.com/petrijr/approvalflow/pkg/api"
)

// EventStore is an append-only history store for instance events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.WorkflowEvent) error
	ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(context.Context, api.WorkflowEvent) error { return nil }
func (NoopEventStore) ListEvents(context.Context, string) ([]api.WorkflowEvent, error) {
	return nil, nil
}
