package approvalflow

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/approvalflow/pkg/api"
)

// DefinitionBuilder provides a fluent API for defining approval workflows:
//
//	def, err := approvalflow.NewDefinition("budget-approval", "Budget Approval").
//	    Step(approvalflow.AllOf("alice", "bob")).
//	    Step(approvalflow.AnyOfRoles("finance").Timeout(48).OnReject(approvalflow.RejectionRestart)).
//	    Deploy(ctx, engine, "admin")
//
// Step orders are assigned in the order steps are added.
type DefinitionBuilder struct {
	def api.WorkflowDefinition
}

// NewDefinition creates a builder for the workflow with the given id and name.
func NewDefinition(id, name string) *DefinitionBuilder {
	return &DefinitionBuilder{
		def: api.WorkflowDefinition{ID: id, Name: name},
	}
}

func (b *DefinitionBuilder) Describe(description string) *DefinitionBuilder {
	b.def.Description = description
	return b
}

// Trigger records an event name that starts this workflow.
func (b *DefinitionBuilder) Trigger(names ...string) *DefinitionBuilder {
	b.def.Triggers = append(b.def.Triggers, names...)
	return b
}

func (b *DefinitionBuilder) Meta(key, value string) *DefinitionBuilder {
	if b.def.Metadata == nil {
		b.def.Metadata = make(map[string]string)
	}
	b.def.Metadata[key] = value
	return b
}

// Step appends a step.
func (b *DefinitionBuilder) Step(s *StepBuilder) *DefinitionBuilder {
	step := s.step.Clone()
	step.StepOrder = len(b.def.Steps)
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// Build returns the normalized definition, or a validation error.
func (b *DefinitionBuilder) Build() (WorkflowDefinition, error) {
	def := b.def.Clone().Normalize()
	if err := def.Validate(); err != nil {
		return WorkflowDefinition{}, err
	}
	return def, nil
}

// Deploy creates the workflow on eng and activates it.
func (b *DefinitionBuilder) Deploy(ctx context.Context, eng Engine, actor string) (WorkflowDefinition, error) {
	def, err := b.Build()
	if err != nil {
		return WorkflowDefinition{}, err
	}
	created, err := eng.CreateWorkflow(ctx, def, actor)
	if err != nil {
		return WorkflowDefinition{}, err
	}
	return eng.ActivateWorkflow(ctx, created.ID, actor)
}

// MustDeploy is like Deploy but panics on error.
// Useful for initialization in main().
func (b *DefinitionBuilder) MustDeploy(ctx context.Context, eng Engine, actor string) WorkflowDefinition {
	def, err := b.Deploy(ctx, eng, actor)
	if err != nil {
		panic(fmt.Sprintf("approvalflow: deploy %q: %v", b.def.ID, err))
	}
	return def
}

// StepBuilder configures one step for DefinitionBuilder.Step.
type StepBuilder struct {
	step api.WorkflowStep
}

func approval(typ api.ApprovalType, approvers []string) *StepBuilder {
	return &StepBuilder{step: api.WorkflowStep{
		StepType:     api.StepApproval,
		ApprovalType: typ,
		Approvers:    approvers,
	}}
}

// AllOf is a step every approver must approve.
func AllOf(approvers ...string) *StepBuilder { return approval(api.ApprovalAll, approvers) }

// AnyOf is a step any single approver can approve.
func AnyOf(approvers ...string) *StepBuilder { return approval(api.ApprovalAny, approvers) }

// MajorityOf is a step decided by more than half of the approvers.
func MajorityOf(approvers ...string) *StepBuilder { return approval(api.ApprovalMajority, approvers) }

// QuorumOf is a step that needs n approvals.
func QuorumOf(n int, approvers ...string) *StepBuilder {
	s := approval(api.ApprovalQuorum, approvers)
	s.step.QuorumCount = n
	return s
}

// AllOfRoles and AnyOfRoles resolve their approvers through the engine's
// ApproverResolver.
func AllOfRoles(roles ...string) *StepBuilder { return approval(api.ApprovalAll, nil).Roles(roles...) }

func AnyOfRoles(roles ...string) *StepBuilder { return approval(api.ApprovalAny, nil).Roles(roles...) }

// Notify is a step that only emits a notification and moves on.
func Notify(template string) *StepBuilder {
	return &StepBuilder{step: api.WorkflowStep{
		StepType:             api.StepNotification,
		NotificationTemplate: template,
	}}
}

// Roles adds approver roles to the step.
func (s *StepBuilder) Roles(roles ...string) *StepBuilder {
	s.step.ApproverRoles = append(s.step.ApproverRoles, roles...)
	return s
}

// Timeout sets how many hours each vote stays open.
func (s *StepBuilder) Timeout(hours int) *StepBuilder {
	s.step.TimeoutHours = hours
	return s
}

// OnReject sets what happens when the step is rejected.
func (s *StepBuilder) OnReject(action RejectionAction) *StepBuilder {
	s.step.RejectionAction = action
	return s
}

// EscalateTo sets the approvers of the escalation round and switches the
// rejection action to ESCALATE.
func (s *StepBuilder) EscalateTo(approvers ...string) *StepBuilder {
	s.step.EscalationApprovers = append(s.step.EscalationApprovers, approvers...)
	s.step.RejectionAction = api.RejectionEscalate
	return s
}

// AutoApproveWhen passes the step without votes when the instance context
// holds value under key.
func (s *StepBuilder) AutoApproveWhen(key, value string) *StepBuilder {
	if s.step.AutoApproveConditions == nil {
		s.step.AutoApproveConditions = make(map[string]string)
	}
	s.step.AutoApproveConditions[key] = value
	return s
}

// ParseDefinitionYAML decodes a workflow definition document. Steps
// without an explicit step_order are numbered by position.
func ParseDefinitionYAML(data []byte) (WorkflowDefinition, error) {
	var def api.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return WorkflowDefinition{}, api.Validationf("ParseDefinitionYAML", "invalid definition document: %v", err)
	}

	numbered := false
	for _, s := range def.Steps {
		if s.StepOrder != 0 {
			numbered = true
			break
		}
	}
	if !numbered {
		for i := range def.Steps {
			def.Steps[i].StepOrder = i
		}
	}

	def = def.Normalize()
	if err := def.Validate(); err != nil {
		return WorkflowDefinition{}, err
	}
	return def, nil
}
