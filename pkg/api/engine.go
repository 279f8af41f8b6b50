package api

import (
	"context"

	"github.com/petrijr/approvalflow/pkg/cache"
)

// Engine is the approval engine API. Implementations are safe for
// concurrent use from many goroutines.
type Engine interface {
	DefinitionService
	MigrationService

	// CreateInstance starts an approval process for an entity, pinned to the
	// workflow's active version. Step-0 approvals are opened immediately.
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (*WorkflowInstance, error)

	// SubmitApproval records an approver's decision at the current step and
	// applies the step's completion policy.
	SubmitApproval(ctx context.Context, instanceID, approverID string, decision Decision, comments string) (*WorkflowInstance, error)

	// AdvanceWorkflow re-evaluates the current step and applies the
	// transition. It fails with ErrValidation when the step is unresolved.
	AdvanceWorkflow(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// MarkExpired flips pending approvals past their deadline to expired
	// and re-evaluates the current step.
	MarkExpired(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// CancelInstance moves a non-terminal instance to cancelled.
	CancelInstance(ctx context.Context, instanceID, reason string) (*WorkflowInstance, error)

	// SuspendInstance parks an in-progress instance; votes are refused
	// until ResumeInstance is called.
	SuspendInstance(ctx context.Context, instanceID, reason string) (*WorkflowInstance, error)
	ResumeInstance(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// DelegateApproval hands a pending vote to another user.
	DelegateApproval(ctx context.Context, instanceID, fromApprover, toApprover string) (*WorkflowInstance, error)

	// GetInstanceStatus returns the instance and its current-step approvals.
	GetInstanceStatus(ctx context.Context, instanceID string) (*InstanceStatus, error)

	// ListPendingApprovals returns every open vote held by a user.
	ListPendingApprovals(ctx context.Context, userID string) ([]*WorkflowApproval, error)

	// ListInstances returns instances matching the options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// GetInstanceHistory returns the append-only event log of an instance.
	GetInstanceHistory(ctx context.Context, instanceID string) ([]WorkflowEvent, error)

	CacheControl
}

// DefinitionService owns workflow templates and their version history.
type DefinitionService interface {
	// CreateWorkflow stores a new draft definition at version 1.
	CreateWorkflow(ctx context.Context, def WorkflowDefinition, actor string) (WorkflowDefinition, error)
	// ActivateWorkflow makes the latest version available to new instances.
	ActivateWorkflow(ctx context.Context, workflowID, actor string) (WorkflowDefinition, error)
	// GetWorkflow returns the latest version.
	GetWorkflow(ctx context.Context, workflowID string) (WorkflowDefinition, error)
	// CreateNewVersion archives the current version and activates updated
	// as the next one. Existing instances keep their pinned version.
	CreateNewVersion(ctx context.Context, workflowID string, updated WorkflowDefinition, actor string) (VersionInfo, error)
	GetVersionHistory(ctx context.Context, workflowID string) ([]VersionSummary, error)
	GetWorkflowVersion(ctx context.Context, workflowID string, version int) (WorkflowDefinition, error)
	CompareVersions(ctx context.Context, workflowID string, v1, v2 int) (VersionDiff, error)
}

// MigrationService holds rare administrative operations on instances.
type MigrationService interface {
	// MigrateInstanceToVersion rebinds a non-terminal instance to another
	// definition version and records the move in its context.
	MigrateInstanceToVersion(ctx context.Context, instanceID string, targetVersion int, actor string) (*WorkflowInstance, error)
}

// CacheControl exposes the engine's cache.
type CacheControl interface {
	ClearCache()
	CleanupExpiredCache() int
	CacheStats() cache.Stats
}

// CreateInstanceRequest carries the arguments of CreateInstance.
type CreateInstanceRequest struct {
	WorkflowID  string
	EntityType  string
	EntityID    string
	InitiatedBy string
	Context     map[string]any
}
