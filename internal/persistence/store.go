package persistence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/petrijr/approvalflow/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when no version of a workflow exists.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrVersionNotFound is returned when a specific definition version is missing.
	ErrVersionNotFound = errors.New("workflow version not found")

	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrConflict is returned when a conditional write loses against a
	// concurrent writer, or when a key that must be new already exists.
	ErrConflict = errors.New("conflicting write")
)

// DefinitionStore handles storage of immutable workflow definition versions.
// Only the status and updated_at of a stored version ever change.
type DefinitionStore interface {
	// SaveDefinition inserts a new (ID, Version) row. It returns ErrConflict
	// when the version already exists.
	SaveDefinition(ctx context.Context, def api.WorkflowDefinition) error
	// PublishVersion inserts def and archives previousVersion in one step.
	PublishVersion(ctx context.Context, def api.WorkflowDefinition, previousVersion int) error
	SetDefinitionStatus(ctx context.Context, workflowID string, version int, status api.DefinitionStatus, at time.Time) error
	GetDefinition(ctx context.Context, workflowID string, version int) (api.WorkflowDefinition, error)
	// GetLatestDefinition returns the highest version of the workflow.
	GetLatestDefinition(ctx context.Context, workflowID string) (api.WorkflowDefinition, error)
	// ListDefinitionVersions returns every version in ascending order.
	ListDefinitionVersions(ctx context.Context, workflowID string) ([]api.WorkflowDefinition, error)
}

// InstanceState is the unit of optimistic concurrency: an instance together
// with every approval record it owns.
type InstanceState struct {
	Instance  *api.WorkflowInstance
	Approvals []*api.WorkflowApproval
}

// Clone returns a deep copy of the state.
func (s *InstanceState) Clone() *InstanceState {
	if s == nil {
		return nil
	}
	return &InstanceState{
		Instance:  s.Instance.Clone(),
		Approvals: api.CloneApprovals(s.Approvals),
	}
}

// InstanceFilter is used to select instances from the store.
// Zero values mean "no filter" for that field.
type InstanceFilter struct {
	WorkflowID      string
	WorkflowVersion int
	Statuses        []api.Status
	EntityType      string
	EntityID        string
}

// Matches reports whether inst passes the filter.
func (f InstanceFilter) Matches(inst *api.WorkflowInstance) bool {
	if f.WorkflowID != "" && inst.WorkflowID != f.WorkflowID {
		return false
	}
	if f.WorkflowVersion != 0 && inst.WorkflowVersion != f.WorkflowVersion {
		return false
	}
	if f.EntityType != "" && inst.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && inst.EntityID != f.EntityID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if inst.Status == s {
			return true
		}
	}
	return false
}

// ActiveStatuses are the statuses of instances that can still change.
var ActiveStatuses = []api.Status{api.StatusPending, api.StatusInProgress, api.StatusSuspended}

// InstanceStore handles storage of instances and their approvals.
type InstanceStore interface {
	// CreateInstance stores a new instance. It returns ErrConflict when the
	// id is taken.
	CreateInstance(ctx context.Context, st *InstanceState) error
	GetInstance(ctx context.Context, id string) (*InstanceState, error)
	// UpdateInstance replaces the stored state if its revision still equals
	// expectedRevision. Otherwise it returns ErrConflict and writes nothing.
	// st.Instance.Revision is written as the new revision.
	UpdateInstance(ctx context.Context, st *InstanceState, expectedRevision int64) error
	// ListInstances returns matching instances ordered by initiation time.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)
	// ListPendingApprovals returns every pending approval held by approverID.
	ListPendingApprovals(ctx context.Context, approverID string) ([]*api.WorkflowApproval, error)
}

func sortInstances(in []*api.WorkflowInstance) {
	sort.SliceStable(in, func(i, j int) bool {
		if !in[i].InitiatedAt.Equal(in[j].InitiatedAt) {
			return in[i].InitiatedAt.Before(in[j].InitiatedAt)
		}
		return in[i].ID < in[j].ID
	})
}

func sortPending(in []*api.WorkflowApproval) {
	sort.SliceStable(in, func(i, j int) bool {
		if !in[i].OpenedAt.Equal(in[j].OpenedAt) {
			return in[i].OpenedAt.Before(in[j].OpenedAt)
		}
		return in[i].ID < in[j].ID
	})
}
