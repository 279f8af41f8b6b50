package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/petrijr/approvalflow/pkg/api"
)

func (e *engineImpl) MigrateInstanceToVersion(ctx context.Context, instanceID string, targetVersion int, actor string) (inst *api.WorkflowInstance, err error) {
	const op = "MigrateInstanceToVersion"
	ctx, span := e.startSpan(ctx, op, instanceAttr(instanceID), attribute.Int("approvalflow.target_version", targetVersion))
	defer func() { endSpan(span, err) }()

	if targetVersion < 1 {
		return nil, api.Validationf(op, "target version must be at least 1, got %d", targetVersion)
	}

	return e.mutateInstance(ctx, op, instanceID, func(tx *transition) error {
		inst := tx.inst()
		if inst.Status.IsTerminal() {
			return api.Validationf(op, "cannot migrate completed or rejected instances (%s is %s)", inst.ID, inst.Status)
		}
		from := inst.WorkflowVersion
		if targetVersion == from {
			return api.Validationf(op, "instance %s is already on version %d", inst.ID, from)
		}

		target, err := e.definitionVersion(ctx, inst.WorkflowID, targetVersion)
		if err != nil {
			return err
		}
		if inst.CurrentStep >= len(target.Steps) {
			return api.Validationf(op, "instance %s is at step %d but version %d has only %d steps",
				inst.ID, inst.CurrentStep, targetVersion, len(target.Steps))
		}

		var history []api.MigrationRecord
		if prev, ok := inst.Context[api.MigrationsContextKey].([]api.MigrationRecord); ok {
			history = append(history, prev...)
		}
		history = append(history, api.MigrationRecord{
			FromVersion: from,
			ToVersion:   targetVersion,
			Actor:       actor,
			At:          tx.now,
		})
		if inst.Context == nil {
			inst.Context = make(map[string]any)
		}
		inst.Context[api.MigrationsContextKey] = history
		inst.WorkflowVersion = targetVersion
		tx.def = target

		tx.event(api.EventInstanceMigrated, inst.CurrentStep, actor, fmt.Sprintf("v%d -> v%d", from, targetVersion))
		tx.hook(func(ctx context.Context, inst *api.WorkflowInstance) {
			e.observer.OnInstanceMigrated(ctx, inst, from, targetVersion)
		})

		// Votes only resolve approval steps. Anything else is passed through
		// as if it had just been reached.
		if step, _ := target.Step(inst.CurrentStep); !step.IsApproval() {
			tx.skipPending(inst.CurrentStep)
			if inst.Status == api.StatusPending {
				inst.Status = api.StatusInProgress
			}
			return tx.openStep(inst.CurrentStep)
		}
		return nil
	})
}
