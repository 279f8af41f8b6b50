package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/pkg/api"
	"github.com/petrijr/approvalflow/pkg/cache"
)

func instanceAttr(id string) attribute.KeyValue {
	return attribute.String("approvalflow.instance_id", id)
}

func (e *engineImpl) CreateInstance(ctx context.Context, req api.CreateInstanceRequest) (inst *api.WorkflowInstance, err error) {
	const op = "CreateInstance"
	ctx, span := e.startSpan(ctx, op, attribute.String("approvalflow.workflow_id", req.WorkflowID))
	defer func() { endSpan(span, err) }()

	switch {
	case req.WorkflowID == "":
		return nil, api.Validationf(op, "workflow id is required")
	case req.EntityType == "" || req.EntityID == "":
		return nil, api.Validationf(op, "entity type and id are required")
	}

	def, err := e.getLatest(ctx, op, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if def.Status != api.DefinitionActive {
		return nil, api.Validationf(op, "workflow %s version %d is %s, not active", def.ID, def.Version, def.Status)
	}

	now := e.now()
	inst = &api.WorkflowInstance{
		ID:              e.newID(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Status:          api.StatusPending,
		Context:         make(map[string]any, len(req.Context)),
		InitiatedBy:     req.InitiatedBy,
		InitiatedAt:     now,
		UpdatedAt:       now,
		Revision:        1,
	}
	for k, v := range req.Context {
		inst.Context[k] = v
	}

	st := &persistence.InstanceState{Instance: inst}
	tx := e.newTransition(ctx, op, def, st)
	tx.now = now
	tx.event(api.EventInstanceCreated, 0, req.InitiatedBy, fmt.Sprintf("%s/%s", req.EntityType, req.EntityID))
	tx.hook(e.observer.OnInstanceCreated)
	if err := tx.openStep(0); err != nil {
		return nil, err
	}

	if err := e.instances.CreateInstance(ctx, st); err != nil {
		return nil, storeError(op, err)
	}
	e.commit(ctx, tx)
	return inst.Clone(), nil
}

func (e *engineImpl) SubmitApproval(ctx context.Context, instanceID, approverID string, decision api.Decision, comments string) (inst *api.WorkflowInstance, err error) {
	const op = "SubmitApproval"
	ctx, span := e.startSpan(ctx, op, instanceAttr(instanceID),
		attribute.String("approvalflow.approver_id", approverID),
		attribute.String("approvalflow.decision", string(decision)),
	)
	defer func() { endSpan(span, err) }()

	if !decision.Valid() {
		return nil, api.Validationf(op, "unknown decision %q", decision)
	}
	if approverID == "" {
		return nil, api.Validationf(op, "approver id is required")
	}

	// held is the approver's open record as first read. A later attempt only
	// runs after a concurrent writer changed the instance.
	var held string
	return e.mutateInstance(ctx, op, instanceID, func(tx *transition) error {
		inst := tx.inst()
		a := tx.pendingFor(approverID)
		if !tx.retry && a != nil {
			held = a.ID
		}

		// A concurrent writer resolved the round this vote was cast in.
		if tx.retry && held != "" && (a == nil || a.ID != held) &&
			inst.Status != api.StatusCancelled && tx.closedUnvoted(held) {
			return errNoChange
		}
		if inst.Status.IsTerminal() {
			return api.TerminalStatef(op, "instance %s is %s", inst.ID, inst.Status)
		}
		if inst.Status == api.StatusSuspended {
			return api.Validationf(op, "instance %s is suspended", inst.ID)
		}
		if a == nil {
			return api.Validationf(op, "no pending approval for %s at step %d of instance %s", approverID, inst.CurrentStep, inst.ID)
		}
		if a.IsExpired(tx.now) {
			return api.Validationf(op, "approval of %s at step %d expired at %s", approverID, a.StepNumber, a.ExpiresAt.Format(time.RFC3339))
		}
		if err := e.checkEligible(ctx, op, approverID, tx.scope(inst.CurrentStep)); err != nil {
			return err
		}

		if decision == api.DecisionApprove {
			a.Status = api.ApprovalApproved
		} else {
			a.Status = api.ApprovalRejected
		}
		a.Decision = decision
		a.Comments = comments
		at := tx.now
		a.ApprovedAt = &at
		tx.touch(approverID)

		if inst.Status == api.StatusPending {
			inst.Status = api.StatusInProgress
		}

		tx.event(api.EventApprovalSubmitted, a.StepNumber, approverID, string(decision))
		recorded := a.Clone()
		tx.hook(func(ctx context.Context, inst *api.WorkflowInstance) {
			e.observer.OnApprovalSubmitted(ctx, inst, recorded)
		})

		if outcome, _ := tx.evaluate(); outcome != api.OutcomeUnresolved {
			return tx.applyOutcome(outcome)
		}
		return nil
	})
}

func (e *engineImpl) checkEligible(ctx context.Context, op, userID string, scope api.Scope) error {
	checker, ok := e.resolver.(api.EligibilityChecker)
	if !ok {
		return nil
	}
	eligible, err := checker.IsEligible(ctx, userID, scope)
	if err != nil {
		return fmt.Errorf("%s: check eligibility of %s: %w", op, userID, err)
	}
	if !eligible {
		return api.PermissionDeniedf(op, "%s may not act on step %d of instance %s", userID, scope.Step, scope.InstanceID)
	}
	return nil
}

func (e *engineImpl) AdvanceWorkflow(ctx context.Context, instanceID string) (inst *api.WorkflowInstance, err error) {
	const op = "AdvanceWorkflow"
	ctx, span := e.startSpan(ctx, op, instanceAttr(instanceID))
	defer func() { endSpan(span, err) }()

	return e.mutateInstance(ctx, op, instanceID, func(tx *transition) error {
		inst := tx.inst()
		if inst.Status.IsTerminal() {
			return api.TerminalStatef(op, "instance %s is %s", inst.ID, inst.Status)
		}
		if inst.Status == api.StatusSuspended {
			return api.Validationf(op, "instance %s is suspended", inst.ID)
		}
		outcome, tally := tx.evaluate()
		if outcome == api.OutcomeUnresolved {
			return api.Validationf(op, "step %d of instance %s is not resolved (%d approved, %d rejected, %d outstanding)",
				inst.CurrentStep, inst.ID, tally.Approved, tally.Rejected, tally.Outstanding)
		}
		return tx.applyOutcome(outcome)
	})
}

func (e *engineImpl) MarkExpired(ctx context.Context, instanceID string) (inst *api.WorkflowInstance, err error) {
	const op = "MarkExpired"
	ctx, span := e.startSpan(ctx, op, instanceAttr(instanceID))
	defer func() { endSpan(span, err) }()

	return e.mutateInstance(ctx, op, instanceID, func(tx *transition) error {
		inst := tx.inst()
		if inst.Status.IsTerminal() || inst.Status == api.StatusSuspended {
			return errNoChange
		}

		expired := 0
		for _, a := range tx.roundApprovals(inst.CurrentStep) {
			if !a.IsExpired(tx.now) {
				continue
			}
			a.Status = api.ApprovalExpired
			tx.touch(a.ApproverID)
			tx.event(api.EventApprovalExpired, a.StepNumber, a.ApproverID, "")
			expired++
		}
		if expired == 0 {
			return errNoChange
		}

		step := inst.CurrentStep
		tx.hook(func(ctx context.Context, inst *api.WorkflowInstance) {
			e.logger.InfoContext(ctx, "approvals expired",
				slog.String("instance_id", inst.ID),
				slog.Int("step", step),
				slog.Int("count", expired),
			)
		})

		if outcome, _ := tx.evaluate(); outcome != api.OutcomeUnresolved {
			return tx.applyOutcome(outcome)
		}
		return nil
	})
}

func (e *engineImpl) CancelInstance(ctx context.Context, instanceID, reason string) (inst *api.WorkflowInstance, err error) {
	const op = "CancelInstance"
	ctx, span := e.startSpan(ctx, op, instanceAttr(instanceID))
	defer func() { endSpan(span, err) }()

	return e.mutateInstance(ctx, op, instanceID, func(tx *transition) error {
		inst := tx.inst()
		if inst.Status.IsTerminal() {
			return api.TerminalStatef(op, "instance %s is already %s", inst.ID, inst.Status)
		}
		tx.cancel(reason)
		return nil
	})
}

func (e *engineImpl) SuspendInstance(ctx context.Context, instanceID, reason string) (inst *api.WorkflowInstance, err error) {
	const op = "SuspendInstance"
	ctx, span := e.startSpan(ctx, op, instanceAttr(instanceID))
	defer func() { endSpan(span, err) }()

	return e.mutateInstance(ctx, op, instanceID, func(tx *transition) error {
		inst := tx.inst()
		if inst.Status.IsTerminal() {
			return api.TerminalStatef(op, "instance %s is %s", inst.ID, inst.Status)
		}
		if inst.Status != api.StatusInProgress {
			return api.Validationf(op, "only in_progress instances can be suspended, %s is %s", inst.ID, inst.Status)
		}
		inst.Status = api.StatusSuspended
		tx.event(api.EventInstanceSuspended, inst.CurrentStep, "", reason)
		return nil
	})
}

func (e *engineImpl) ResumeInstance(ctx context.Context, instanceID string) (inst *api.WorkflowInstance, err error) {
	const op = "ResumeInstance"
	ctx, span := e.startSpan(ctx, op, instanceAttr(instanceID))
	defer func() { endSpan(span, err) }()

	return e.mutateInstance(ctx, op, instanceID, func(tx *transition) error {
		inst := tx.inst()
		if inst.Status.IsTerminal() {
			return api.TerminalStatef(op, "instance %s is %s", inst.ID, inst.Status)
		}
		if inst.Status != api.StatusSuspended {
			return api.Validationf(op, "instance %s is not suspended", inst.ID)
		}
		inst.Status = api.StatusInProgress
		tx.event(api.EventInstanceResumed, inst.CurrentStep, "", "")
		return nil
	})
}

func (e *engineImpl) DelegateApproval(ctx context.Context, instanceID, fromApprover, toApprover string) (inst *api.WorkflowInstance, err error) {
	const op = "DelegateApproval"
	ctx, span := e.startSpan(ctx, op, instanceAttr(instanceID))
	defer func() { endSpan(span, err) }()

	if toApprover == "" || fromApprover == toApprover {
		return nil, api.Validationf(op, "delegate must be a different user")
	}

	return e.mutateInstance(ctx, op, instanceID, func(tx *transition) error {
		inst := tx.inst()
		if inst.Status.IsTerminal() {
			return api.TerminalStatef(op, "instance %s is %s", inst.ID, inst.Status)
		}
		if inst.Status == api.StatusSuspended {
			return api.Validationf(op, "instance %s is suspended", inst.ID)
		}
		a := tx.pendingFor(fromApprover)
		if a == nil {
			return api.Validationf(op, "no pending approval for %s at step %d of instance %s", fromApprover, inst.CurrentStep, inst.ID)
		}
		for _, other := range tx.roundApprovals(inst.CurrentStep) {
			if other.ApproverID == toApprover {
				return api.Validationf(op, "%s already holds an approval at step %d", toApprover, inst.CurrentStep)
			}
		}
		if err := e.checkEligible(ctx, op, toApprover, tx.scope(inst.CurrentStep)); err != nil {
			return err
		}

		at := tx.now
		a.Status = api.ApprovalDelegated
		a.DelegatedTo = toApprover
		a.DelegatedAt = &at

		delegate := &api.WorkflowApproval{
			ID:         e.newID(),
			InstanceID: inst.ID,
			StepNumber: a.StepNumber,
			Round:      a.Round,
			ApproverID: toApprover,
			Status:     api.ApprovalPending,
			OpenedAt:   tx.now,
		}
		if a.ExpiresAt != nil {
			exp := *a.ExpiresAt
			delegate.ExpiresAt = &exp
		}
		tx.st.Approvals = append(tx.st.Approvals, delegate)
		tx.touch(fromApprover, toApprover)

		tx.event(api.EventApprovalDelegated, a.StepNumber, fromApprover, toApprover)
		tx.notify(api.NotifyApprovalRequested, a.StepNumber)
		return nil
	})
}

// loadStatus reads an instance and the active round of its current step.
func (e *engineImpl) loadStatus(ctx context.Context, op, instanceID string) (*api.InstanceStatus, error) {
	return cache.GetOrLoad(ctx, e.cache, cache.InstanceKey(instanceID), cache.InstanceTTL,
		func(ctx context.Context) (*api.InstanceStatus, error) {
			st, err := e.instances.GetInstance(ctx, instanceID)
			if err != nil {
				return nil, storeError(op, err)
			}
			round := activeRound(st.Approvals, st.Instance.CurrentStep)
			api.SortApprovals(round)
			return &api.InstanceStatus{
				Instance:  st.Instance,
				Approvals: round,
				Tally:     api.TallyApprovals(round),
			}, nil
		})
}

func (e *engineImpl) GetInstanceStatus(ctx context.Context, instanceID string) (*api.InstanceStatus, error) {
	status, err := e.loadStatus(ctx, "GetInstanceStatus", instanceID)
	if err != nil {
		return nil, err
	}
	return status.Clone(), nil
}

func (e *engineImpl) ListPendingApprovals(ctx context.Context, userID string) ([]*api.WorkflowApproval, error) {
	const op = "ListPendingApprovals"
	if userID == "" {
		return nil, api.Validationf(op, "user id is required")
	}
	pending, err := cache.GetOrLoad(ctx, e.cache, cache.PendingKey(userID), cache.PendingTTL,
		func(ctx context.Context) ([]*api.WorkflowApproval, error) {
			out, err := e.instances.ListPendingApprovals(ctx, userID)
			return out, storeError(op, err)
		})
	if err != nil {
		return nil, err
	}
	return api.CloneApprovals(pending), nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	const op = "ListInstances"
	key := cache.HashKey("instances", opts.WorkflowID, opts.Status, opts.EntityType, opts.EntityID)
	list, err := cache.GetOrLoad(ctx, e.cache, key, cache.QueryTTL,
		func(ctx context.Context) ([]*api.WorkflowInstance, error) {
			filter := persistence.InstanceFilter{
				WorkflowID: opts.WorkflowID,
				EntityType: opts.EntityType,
				EntityID:   opts.EntityID,
			}
			if opts.Status != "" {
				filter.Statuses = []api.Status{opts.Status}
			}
			out, err := e.instances.ListInstances(ctx, filter)
			return out, storeError(op, err)
		})
	if err != nil {
		return nil, err
	}
	out := make([]*api.WorkflowInstance, len(list))
	for i, inst := range list {
		out[i] = inst.Clone()
	}
	return out, nil
}

func (e *engineImpl) GetInstanceHistory(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	const op = "GetInstanceHistory"
	if _, err := e.loadStatus(ctx, op, instanceID); err != nil {
		return nil, err
	}
	events, err := e.events.ListEvents(ctx, instanceID)
	if err != nil {
		return nil, storeError(op, err)
	}
	return events, nil
}
