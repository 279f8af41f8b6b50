package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/pkg/api"
)

type notice struct {
	event api.NotificationEvent
	step  int
}

// transition is one attempt at changing an instance. It edits st in place
// and queues the side effects that commit publishes once the write landed.
type transition struct {
	e     *engineImpl
	ctx   context.Context
	op    string
	now   time.Time
	def   api.WorkflowDefinition
	st    *persistence.InstanceState
	retry bool

	events  []api.WorkflowEvent
	hooks   []func(context.Context, *api.WorkflowInstance)
	notices []notice
	touched map[string]struct{}
}

func (e *engineImpl) newTransition(ctx context.Context, op string, def api.WorkflowDefinition, st *persistence.InstanceState) *transition {
	return &transition{
		e:       e,
		ctx:     ctx,
		op:      op,
		now:     e.now(),
		def:     def,
		st:      st,
		touched: make(map[string]struct{}),
	}
}

func (tx *transition) inst() *api.WorkflowInstance { return tx.st.Instance }

func (tx *transition) event(typ api.EventType, step int, actor, detail string) {
	inst := tx.inst()
	tx.events = append(tx.events, api.WorkflowEvent{
		InstanceID:      inst.ID,
		At:              tx.now,
		Type:            typ,
		WorkflowID:      inst.WorkflowID,
		WorkflowVersion: inst.WorkflowVersion,
		Step:            step,
		Actor:           actor,
		Detail:          detail,
	})
}

func (tx *transition) hook(fn func(context.Context, *api.WorkflowInstance)) {
	tx.hooks = append(tx.hooks, fn)
}

func (tx *transition) notify(ev api.NotificationEvent, step int) {
	tx.notices = append(tx.notices, notice{event: ev, step: step})
}

func (tx *transition) touch(approverIDs ...string) {
	for _, id := range approverIDs {
		tx.touched[id] = struct{}{}
	}
}

func (tx *transition) scope(step int) api.Scope {
	inst := tx.inst()
	return api.Scope{
		WorkflowID:      inst.WorkflowID,
		WorkflowVersion: inst.WorkflowVersion,
		InstanceID:      inst.ID,
		EntityType:      inst.EntityType,
		EntityID:        inst.EntityID,
		Step:            step,
	}
}

// currentRound returns the highest round opened at step.
func (tx *transition) currentRound(step int) int {
	round := 0
	for _, a := range tx.st.Approvals {
		if a.StepNumber == step && a.Round > round {
			round = a.Round
		}
	}
	return round
}

// roundApprovals returns the records of the active round at step.
func (tx *transition) roundApprovals(step int) []*api.WorkflowApproval {
	return activeRound(tx.st.Approvals, step)
}

func activeRound(approvals []*api.WorkflowApproval, step int) []*api.WorkflowApproval {
	round := 0
	for _, a := range approvals {
		if a.StepNumber == step && a.Round > round {
			round = a.Round
		}
	}
	var out []*api.WorkflowApproval
	for _, a := range approvals {
		if a.StepNumber == step && a.Round == round {
			out = append(out, a)
		}
	}
	return out
}

// pendingFor returns approverID's open record at the current step.
func (tx *transition) pendingFor(approverID string) *api.WorkflowApproval {
	for _, a := range tx.roundApprovals(tx.inst().CurrentStep) {
		if a.ApproverID == approverID && a.Status == api.ApprovalPending {
			return a
		}
	}
	return nil
}

// closedUnvoted reports whether the record with approvalID was closed
// before it was decided, either skipped when its round resolved or
// discarded by a restart.
func (tx *transition) closedUnvoted(approvalID string) bool {
	for _, a := range tx.st.Approvals {
		if a.ID == approvalID {
			return a.Status == api.ApprovalSkipped
		}
	}
	return true
}

func (tx *transition) resolveUsers(step int, users, roles []string) ([]string, error) {
	out := append([]string(nil), users...)
	if len(roles) > 0 {
		ids, err := tx.e.resolver.Resolve(tx.ctx, roles, tx.scope(step))
		if err != nil {
			return nil, fmt.Errorf("%s: resolve approvers for step %d: %w", tx.op, step, err)
		}
		out = append(out, ids...)
	}
	return api.UniqueStrings(out), nil
}

func (tx *transition) openRound(step api.WorkflowStep, round int, approvers []string) {
	for _, id := range approvers {
		a := &api.WorkflowApproval{
			ID:         tx.e.newID(),
			InstanceID: tx.inst().ID,
			StepNumber: step.StepOrder,
			Round:      round,
			ApproverID: id,
			Status:     api.ApprovalPending,
			OpenedAt:   tx.now,
		}
		if step.TimeoutHours > 0 {
			exp := tx.now.Add(time.Duration(step.TimeoutHours) * time.Hour)
			a.ExpiresAt = &exp
		}
		tx.st.Approvals = append(tx.st.Approvals, a)
		tx.touch(id)
	}
}

// openStep moves the instance to order and opens its approvals. Steps that
// collect no votes, and approval steps whose auto-approve conditions hold,
// are passed through. Running past the last step completes the instance.
func (tx *transition) openStep(order int) error {
	inst := tx.inst()
	for {
		inst.CurrentStep = order
		step, ok := tx.def.Step(order)
		if !ok {
			tx.complete()
			return nil
		}

		if !step.IsApproval() {
			if step.StepType == api.StepNotification {
				tx.notify(api.NotifyNotificationStep, order)
			}
			tx.event(api.EventStepSkipped, order, "", string(step.StepType))
			order++
			continue
		}

		if step.AutoApproves(inst.Context) {
			tx.event(api.EventStepApproved, order, "", "auto-approved")
			tx.hook(func(ctx context.Context, inst *api.WorkflowInstance) {
				tx.e.observer.OnStepResolved(ctx, inst, step.StepOrder, api.OutcomeApproved)
			})
			order++
			continue
		}

		approvers, err := tx.resolveUsers(order, step.Approvers, step.ApproverRoles)
		if err != nil {
			return err
		}
		if len(approvers) == 0 {
			return api.Validationf(tx.op, "step %d of workflow %s has no eligible approvers", order, inst.WorkflowID)
		}
		if step.ApprovalType == api.ApprovalQuorum && step.QuorumCount > len(approvers) {
			return api.Validationf(tx.op, "step %d: quorum_count %d exceeds %d resolved approvers",
				order, step.QuorumCount, len(approvers))
		}

		tx.openRound(step, 0, approvers)
		tx.event(api.EventStepOpened, order, "", fmt.Sprintf("%d approvers", len(approvers)))
		tx.notify(api.NotifyApprovalRequested, order)
		return nil
	}
}

// evaluate applies the current step's policy to its active round.
func (tx *transition) evaluate() (api.Outcome, api.Tally) {
	inst := tx.inst()
	step, ok := tx.def.Step(inst.CurrentStep)
	if !ok || !step.IsApproval() {
		return api.OutcomeUnresolved, api.Tally{}
	}
	return evaluateStep(step, tx.roundApprovals(inst.CurrentStep))
}

func evaluateStep(step api.WorkflowStep, round []*api.WorkflowApproval) (api.Outcome, api.Tally) {
	tally := api.TallyApprovals(round)
	policy, err := step.Policy()
	if err != nil {
		return api.OutcomeUnresolved, tally
	}
	// Escalation rounds may hold fewer approvers than the quorum.
	if q, ok := policy.(api.QuorumPolicy); ok && len(round) > 0 && round[0].Round > 0 && q.Count > tally.Eligible {
		policy = api.QuorumPolicy{Count: tally.Eligible}
	}
	return policy.Evaluate(tally), tally
}

// skipPending closes every still-open record at step.
func (tx *transition) skipPending(step int) {
	for _, a := range tx.st.Approvals {
		if (step < 0 || a.StepNumber == step) && a.Status == api.ApprovalPending {
			a.Status = api.ApprovalSkipped
			tx.touch(a.ApproverID)
		}
	}
}

// applyOutcome performs the transition for a resolved current step.
func (tx *transition) applyOutcome(outcome api.Outcome) error {
	inst := tx.inst()
	order := inst.CurrentStep
	step, _ := tx.def.Step(order)

	tx.skipPending(order)
	tx.hook(func(ctx context.Context, inst *api.WorkflowInstance) {
		tx.e.observer.OnStepResolved(ctx, inst, order, outcome)
	})

	if outcome == api.OutcomeApproved {
		tx.event(api.EventStepApproved, order, "", "")
		tx.notify(api.NotifyStepApproved, order)
		inst.Status = api.StatusInProgress
		return tx.openStep(order + 1)
	}

	tx.event(api.EventStepRejected, order, "", string(step.RejectionAction))
	tx.notify(api.NotifyStepRejected, order)

	switch step.RejectionAction {
	case api.RejectionRestart:
		return tx.restart()
	case api.RejectionEscalate:
		escalated, err := tx.escalate(step)
		if err != nil || escalated {
			return err
		}
	}
	tx.reject()
	return nil
}

func (tx *transition) restart() error {
	for _, a := range tx.st.Approvals {
		tx.touch(a.ApproverID)
	}
	tx.st.Approvals = nil
	tx.inst().Status = api.StatusPending
	tx.event(api.EventStepRestarted, tx.inst().CurrentStep, "", "")
	return tx.openStep(0)
}

// escalate opens a new round at the same step for the escalation approvers.
// It reports false when the step was already escalated or nobody is left
// to escalate to.
func (tx *transition) escalate(step api.WorkflowStep) (bool, error) {
	round := tx.currentRound(step.StepOrder)
	if round > 0 {
		return false, nil
	}
	approvers, err := tx.resolveUsers(step.StepOrder, step.EscalationApprovers, step.EscalationRoles)
	if err != nil {
		return false, err
	}
	if len(approvers) == 0 {
		return false, nil
	}

	tx.openRound(step, round+1, approvers)
	tx.inst().Status = api.StatusInProgress
	tx.event(api.EventStepEscalated, step.StepOrder, "", fmt.Sprintf("%d approvers", len(approvers)))
	tx.notify(api.NotifyEscalated, step.StepOrder)
	return true, nil
}

func (tx *transition) complete() {
	inst := tx.inst()
	inst.Status = api.StatusCompleted
	inst.CurrentStep = len(tx.def.Steps)
	at := tx.now
	inst.CompletedAt = &at
	tx.event(api.EventInstanceCompleted, inst.CurrentStep, "", "")
	tx.notify(api.NotifyInstanceCompleted, inst.CurrentStep)
	tx.hook(tx.e.observer.OnInstanceFinished)
}

func (tx *transition) reject() {
	inst := tx.inst()
	inst.Status = api.StatusRejected
	at := tx.now
	inst.CompletedAt = &at
	tx.event(api.EventInstanceRejected, inst.CurrentStep, "", "")
	tx.notify(api.NotifyInstanceRejected, inst.CurrentStep)
	tx.hook(tx.e.observer.OnInstanceFinished)
}

func (tx *transition) cancel(reason string) {
	inst := tx.inst()
	tx.skipPending(-1)
	inst.Status = api.StatusCancelled
	at := tx.now
	inst.CancelledAt = &at
	inst.CancellationReason = reason
	tx.event(api.EventInstanceCancelled, inst.CurrentStep, "", reason)
	tx.notify(api.NotifyInstanceCancelled, inst.CurrentStep)
	tx.hook(tx.e.observer.OnInstanceFinished)
}
