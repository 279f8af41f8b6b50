package api

import "time"

// EventType identifies an instance history event.
type EventType string

const (
	EventInstanceCreated   EventType = "instance.created"
	EventInstanceCompleted EventType = "instance.completed"
	EventInstanceRejected  EventType = "instance.rejected"
	EventInstanceCancelled EventType = "instance.cancelled"
	EventInstanceSuspended EventType = "instance.suspended"
	EventInstanceResumed   EventType = "instance.resumed"
	EventInstanceMigrated  EventType = "instance.migrated"

	EventApprovalSubmitted EventType = "approval.submitted"
	EventApprovalExpired   EventType = "approval.expired"
	EventApprovalDelegated EventType = "approval.delegated"

	EventStepOpened    EventType = "step.opened"
	EventStepApproved  EventType = "step.approved"
	EventStepRejected  EventType = "step.rejected"
	EventStepEscalated EventType = "step.escalated"
	EventStepRestarted EventType = "step.restarted"
	EventStepSkipped   EventType = "step.skipped"
)

// WorkflowEvent is a minimal append-only history record for audit/debugging.
type WorkflowEvent struct {
	InstanceID string
	At         time.Time
	Type       EventType

	WorkflowID      string
	WorkflowVersion int
	Step            int
	Actor           string

	// Small, human-oriented details (decision, reason, versions).
	Detail string
}
