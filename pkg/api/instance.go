package api

import (
	"sort"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
	StatusSuspended  Status = "suspended"
)

// IsTerminal reports whether the status is final. Terminal instances are
// never mutated again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// ApprovalStatus is the state of a single approver's vote.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalDelegated ApprovalStatus = "delegated"
	ApprovalExpired   ApprovalStatus = "expired"
	// ApprovalSkipped marks votes that were still open when their step
	// round was resolved or the instance was cancelled.
	ApprovalSkipped ApprovalStatus = "skipped"
)

// Decision is what an approver submits.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// WorkflowInstance is a running execution of a definition version against
// one business entity.
type WorkflowInstance struct {
	ID              string
	WorkflowID      string
	WorkflowVersion int

	EntityType string
	EntityID   string

	// CurrentStep is the 0-based index of the open step. After completion
	// it equals the number of steps.
	CurrentStep int
	Status      Status
	Context     map[string]any

	InitiatedBy        string
	InitiatedAt        time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancellationReason string
	UpdatedAt          time.Time

	// Revision is the optimistic concurrency marker. Stores only accept an
	// update when the stored revision equals the one the writer read.
	Revision int64
}

// Clone returns a deep copy of the instance. Context values are copied
// one level deep.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	if i == nil {
		return nil
	}
	out := *i
	if i.Context != nil {
		out.Context = make(map[string]any, len(i.Context))
		for k, v := range i.Context {
			out.Context[k] = v
		}
	}
	out.CompletedAt = cloneTime(i.CompletedAt)
	out.CancelledAt = cloneTime(i.CancelledAt)
	return &out
}

// WorkflowApproval is one approver's vote at a given step.
type WorkflowApproval struct {
	ID         string
	InstanceID string
	StepNumber int
	// Round distinguishes the original approver set (0) from escalation
	// rounds opened at the same step.
	Round      int
	ApproverID string

	Status   ApprovalStatus
	Decision Decision
	Comments string

	OpenedAt   time.Time
	ApprovedAt *time.Time
	ExpiresAt  *time.Time

	DelegatedTo string
	DelegatedAt *time.Time
}

// Clone returns a copy of the approval.
func (a *WorkflowApproval) Clone() *WorkflowApproval {
	if a == nil {
		return nil
	}
	out := *a
	out.ApprovedAt = cloneTime(a.ApprovedAt)
	out.ExpiresAt = cloneTime(a.ExpiresAt)
	out.DelegatedAt = cloneTime(a.DelegatedAt)
	return &out
}

// IsExpired reports whether a pending approval is past its deadline.
func (a *WorkflowApproval) IsExpired(now time.Time) bool {
	return a.Status == ApprovalPending && a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// CloneApprovals deep-copies a slice of approvals.
func CloneApprovals(in []*WorkflowApproval) []*WorkflowApproval {
	if in == nil {
		return nil
	}
	out := make([]*WorkflowApproval, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}

// SortApprovals orders approvals by step, round and approver.
func SortApprovals(in []*WorkflowApproval) {
	sort.SliceStable(in, func(i, j int) bool {
		a, b := in[i], in[j]
		if a.StepNumber != b.StepNumber {
			return a.StepNumber < b.StepNumber
		}
		if a.Round != b.Round {
			return a.Round < b.Round
		}
		return a.ApproverID < b.ApproverID
	})
}

// InstanceStatus is the read model returned by GetInstanceStatus.
type InstanceStatus struct {
	Instance *WorkflowInstance
	// Approvals holds the records of the current step's active round.
	Approvals []*WorkflowApproval
	Tally     Tally
}

// Clone returns a deep copy of the status.
func (s *InstanceStatus) Clone() *InstanceStatus {
	if s == nil {
		return nil
	}
	return &InstanceStatus{
		Instance:  s.Instance.Clone(),
		Approvals: CloneApprovals(s.Approvals),
		Tally:     s.Tally,
	}
}

// MigrationRecord is appended to the instance context under
// MigrationsContextKey every time the instance is moved to another
// definition version.
type MigrationRecord struct {
	FromVersion int
	ToVersion   int
	Actor       string
	At          time.Time
}

// MigrationsContextKey is the context key holding []MigrationRecord.
const MigrationsContextKey = "_migrations"

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	WorkflowID string
	Status     Status
	EntityType string
	EntityID   string
}

// VersionInfo describes the outcome of CreateNewVersion.
type VersionInfo struct {
	WorkflowID      string
	PreviousVersion int
	NewVersion      int
	// PreservedInstances counts active instances that stay bound to an
	// older version.
	PreservedInstances int
	CreatedBy          string
	CreatedAt          time.Time
}

// VersionSummary is one entry of a workflow's version history.
type VersionSummary struct {
	Version   int
	Status    DefinitionStatus
	Name      string
	StepCount int
	CreatedBy string
	CreatedAt time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
