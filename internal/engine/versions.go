package engine

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/pkg/api"
	"github.com/petrijr/approvalflow/pkg/cache"
)

func workflowAttr(id string) attribute.KeyValue {
	return attribute.String("approvalflow.workflow_id", id)
}

// getLatest returns the cached latest version of a workflow.
func (e *engineImpl) getLatest(ctx context.Context, op, workflowID string) (api.WorkflowDefinition, error) {
	return cache.GetOrLoad(ctx, e.cache, cache.DefinitionKey(workflowID), cache.DefinitionTTL,
		func(ctx context.Context) (api.WorkflowDefinition, error) {
			def, err := e.definitions.GetLatestDefinition(ctx, workflowID)
			return def, storeError(op, err)
		})
}

// definitionVersion returns a pinned version. Version bodies never change,
// so they are cached for a long time; status changes invalidate the key.
func (e *engineImpl) definitionVersion(ctx context.Context, workflowID string, version int) (api.WorkflowDefinition, error) {
	return cache.GetOrLoad(ctx, e.cache, cache.VersionKey(workflowID, version), cache.VersionTTL,
		func(ctx context.Context) (api.WorkflowDefinition, error) {
			def, err := e.definitions.GetDefinition(ctx, workflowID, version)
			return def, storeError("GetWorkflowVersion", err)
		})
}

func (e *engineImpl) invalidateWorkflow(workflowID string, versions ...int) {
	keys := []string{cache.DefinitionKey(workflowID), cache.VersionHistoryKey(workflowID)}
	for _, v := range versions {
		keys = append(keys, cache.VersionKey(workflowID, v))
	}
	e.cache.Delete(keys...)
}

// prepareDefinition normalizes and validates a definition supplied by a caller.
func prepareDefinition(def api.WorkflowDefinition) (api.WorkflowDefinition, error) {
	out := def.Normalize()
	if err := out.Validate(); err != nil {
		return api.WorkflowDefinition{}, err
	}
	return out, nil
}

func (e *engineImpl) CreateWorkflow(ctx context.Context, def api.WorkflowDefinition, actor string) (out api.WorkflowDefinition, err error) {
	const op = "CreateWorkflow"
	ctx, span := e.startSpan(ctx, op, workflowAttr(def.ID))
	defer func() { endSpan(span, err) }()

	out, err = prepareDefinition(def)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}

	now := e.now()
	if out.ID == "" {
		out.ID = e.newID()
	}
	out.Version = 1
	out.Status = api.DefinitionDraft
	out.CreatedBy = actor
	out.CreatedAt = now
	out.UpdatedAt = now

	if err := e.definitions.SaveDefinition(ctx, out); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			return api.WorkflowDefinition{}, api.Conflictf(op, "workflow %s already exists", out.ID)
		}
		return api.WorkflowDefinition{}, storeError(op, err)
	}
	e.invalidateWorkflow(out.ID, out.Version)

	e.logger.InfoContext(ctx, "workflow_created",
		slog.String("workflow_id", out.ID),
		slog.String("name", out.Name),
		slog.String("actor", actor),
	)
	return out.Clone(), nil
}

func (e *engineImpl) ActivateWorkflow(ctx context.Context, workflowID, actor string) (out api.WorkflowDefinition, err error) {
	const op = "ActivateWorkflow"
	ctx, span := e.startSpan(ctx, op, workflowAttr(workflowID))
	defer func() { endSpan(span, err) }()

	latest, err := e.definitions.GetLatestDefinition(ctx, workflowID)
	if err != nil {
		return api.WorkflowDefinition{}, storeError(op, err)
	}
	switch latest.Status {
	case api.DefinitionActive:
		return latest, nil
	case api.DefinitionDraft:
	default:
		return api.WorkflowDefinition{}, api.Validationf(op, "workflow %s version %d is %s and cannot be activated",
			workflowID, latest.Version, latest.Status)
	}

	now := e.now()
	if err := e.definitions.SetDefinitionStatus(ctx, workflowID, latest.Version, api.DefinitionActive, now); err != nil {
		return api.WorkflowDefinition{}, storeError(op, err)
	}
	e.invalidateWorkflow(workflowID, latest.Version)

	latest.Status = api.DefinitionActive
	latest.UpdatedAt = now
	e.logger.InfoContext(ctx, "workflow_activated",
		slog.String("workflow_id", workflowID),
		slog.Int("version", latest.Version),
		slog.String("actor", actor),
	)
	return latest, nil
}

func (e *engineImpl) GetWorkflow(ctx context.Context, workflowID string) (api.WorkflowDefinition, error) {
	def, err := e.getLatest(ctx, "GetWorkflow", workflowID)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def.Clone(), nil
}

func (e *engineImpl) CreateNewVersion(ctx context.Context, workflowID string, updated api.WorkflowDefinition, actor string) (info api.VersionInfo, err error) {
	const op = "CreateNewVersion"
	ctx, span := e.startSpan(ctx, op, workflowAttr(workflowID))
	defer func() { endSpan(span, err) }()

	next, err := prepareDefinition(updated)
	if err != nil {
		return api.VersionInfo{}, err
	}

	var current api.WorkflowDefinition
	for attempt := 1; ; attempt++ {
		current, err = e.definitions.GetLatestDefinition(ctx, workflowID)
		if err != nil {
			return api.VersionInfo{}, storeError(op, err)
		}

		now := e.now()
		next.ID = workflowID
		next.Version = current.Version + 1
		next.Status = api.DefinitionActive
		next.CreatedBy = actor
		next.CreatedAt = now
		next.UpdatedAt = now

		err = e.definitions.PublishVersion(ctx, next, current.Version)
		if err == nil {
			break
		}
		if !errors.Is(err, persistence.ErrConflict) || attempt >= e.maxAttempts {
			return api.VersionInfo{}, storeError(op, err)
		}
	}
	e.invalidateWorkflow(workflowID, current.Version, next.Version)
	e.cache.InvalidatePattern(cache.QueryPattern)

	active, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{
		WorkflowID: workflowID,
		Statuses:   persistence.ActiveStatuses,
	})
	if err != nil {
		return api.VersionInfo{}, storeError(op, err)
	}
	preserved := 0
	for _, inst := range active {
		if inst.WorkflowVersion < next.Version {
			preserved++
		}
	}

	info = api.VersionInfo{
		WorkflowID:         workflowID,
		PreviousVersion:    current.Version,
		NewVersion:         next.Version,
		PreservedInstances: preserved,
		CreatedBy:          actor,
		CreatedAt:          next.CreatedAt,
	}
	e.observer.OnVersionCreated(ctx, info)
	return info, nil
}

func (e *engineImpl) GetVersionHistory(ctx context.Context, workflowID string) ([]api.VersionSummary, error) {
	const op = "GetVersionHistory"
	history, err := cache.GetOrLoad(ctx, e.cache, cache.VersionHistoryKey(workflowID), cache.DefinitionTTL,
		func(ctx context.Context) ([]api.VersionSummary, error) {
			defs, err := e.definitions.ListDefinitionVersions(ctx, workflowID)
			if err != nil {
				return nil, storeError(op, err)
			}
			out := make([]api.VersionSummary, len(defs))
			for i, d := range defs {
				out[i] = api.VersionSummary{
					Version:   d.Version,
					Status:    d.Status,
					Name:      d.Name,
					StepCount: len(d.Steps),
					CreatedBy: d.CreatedBy,
					CreatedAt: d.CreatedAt,
				}
			}
			return out, nil
		})
	if err != nil {
		return nil, err
	}
	return append([]api.VersionSummary(nil), history...), nil
}

func (e *engineImpl) GetWorkflowVersion(ctx context.Context, workflowID string, version int) (api.WorkflowDefinition, error) {
	if version < 1 {
		return api.WorkflowDefinition{}, api.Validationf("GetWorkflowVersion", "version must be at least 1, got %d", version)
	}
	def, err := e.definitionVersion(ctx, workflowID, version)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def.Clone(), nil
}

func (e *engineImpl) CompareVersions(ctx context.Context, workflowID string, v1, v2 int) (api.VersionDiff, error) {
	from, err := e.GetWorkflowVersion(ctx, workflowID, v1)
	if err != nil {
		return api.VersionDiff{}, err
	}
	to, err := e.GetWorkflowVersion(ctx, workflowID, v2)
	if err != nil {
		return api.VersionDiff{}, err
	}
	return compareDefinitions(from, to), nil
}
