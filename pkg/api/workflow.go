package api

import (
	"encoding/gob"
	"fmt"
	"sort"
	"time"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(MigrationRecord{})
	gob.Register([]MigrationRecord{})
}

// DefinitionStatus is the lifecycle state of a single workflow definition version.
type DefinitionStatus string

const (
	DefinitionDraft     DefinitionStatus = "draft"
	DefinitionActive    DefinitionStatus = "active"
	DefinitionArchived  DefinitionStatus = "archived"
	DefinitionCompleted DefinitionStatus = "completed"
	DefinitionCancelled DefinitionStatus = "cancelled"
)

// StepType identifies what a step does when the instance reaches it.
type StepType string

const (
	StepApproval     StepType = "approval"
	StepNotification StepType = "notification"
	StepCondition    StepType = "condition"
	StepAutomated    StepType = "automated"
)

// ApprovalType is the completion rule of an approval step.
type ApprovalType string

const (
	ApprovalAny      ApprovalType = "ANY"
	ApprovalAll      ApprovalType = "ALL"
	ApprovalMajority ApprovalType = "MAJORITY"
	ApprovalQuorum   ApprovalType = "QUORUM"
)

// RejectionAction is applied when a step resolves as rejected.
type RejectionAction string

const (
	RejectionStop     RejectionAction = "STOP"
	RejectionRestart  RejectionAction = "RESTART"
	RejectionEscalate RejectionAction = "ESCALATE"
)

// WorkflowStep is one ordered stage of a workflow definition.
type WorkflowStep struct {
	StepOrder int      `yaml:"step_order" json:"step_order"`
	StepType  StepType `yaml:"step_type" json:"step_type"`

	// Approvers are explicit user ids. ApproverRoles are resolved into user
	// ids through the ApproverResolver when the step is opened.
	Approvers     []string `yaml:"approvers" json:"approvers,omitempty"`
	ApproverRoles []string `yaml:"approver_roles" json:"approver_roles,omitempty"`

	ApprovalType ApprovalType `yaml:"approval_type" json:"approval_type"`
	QuorumCount  int          `yaml:"quorum_count" json:"quorum_count,omitempty"`

	// TimeoutHours bounds how long an opened approval stays pending.
	// Zero means approvals never expire.
	TimeoutHours int `yaml:"timeout_hours" json:"timeout_hours,omitempty"`

	// AutoApproveConditions are matched against the instance context; when
	// every key is present with the given value the step is approved
	// without opening any approvals.
	AutoApproveConditions map[string]string `yaml:"auto_approve_conditions" json:"auto_approve_conditions,omitempty"`
	NotificationTemplate  string            `yaml:"notification_template" json:"notification_template,omitempty"`

	RejectionAction     RejectionAction `yaml:"rejection_action" json:"rejection_action"`
	EscalationApprovers []string        `yaml:"escalation_approvers" json:"escalation_approvers,omitempty"`
	EscalationRoles     []string        `yaml:"escalation_roles" json:"escalation_roles,omitempty"`
}

// WorkflowDefinition is one version of a reusable approval process template.
type WorkflowDefinition struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description,omitempty"`
	Steps       []WorkflowStep    `yaml:"steps" json:"steps"`
	Triggers    []string          `yaml:"triggers" json:"triggers,omitempty"`
	Metadata    map[string]string `yaml:"metadata" json:"metadata,omitempty"`

	Status  DefinitionStatus `yaml:"status" json:"status"`
	Version int              `yaml:"version" json:"version"`

	CreatedBy string    `yaml:"created_by" json:"created_by"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// IsApproval reports whether the step collects votes.
func (s WorkflowStep) IsApproval() bool {
	return s.StepType == "" || s.StepType == StepApproval
}

// Validate checks the step sequence and every step's approval configuration.
func (d WorkflowDefinition) Validate() error {
	const op = "ValidateDefinition"

	if d.Name == "" {
		return Validationf(op, "workflow name is required")
	}
	if len(d.Steps) == 0 {
		return Validationf(op, "workflow %q must have at least one step", d.Name)
	}

	orders := make([]int, len(d.Steps))
	for i, s := range d.Steps {
		orders[i] = s.StepOrder
	}
	sort.Ints(orders)
	for i, o := range orders {
		if o != i {
			return Validationf(op, "step_order values must form the sequence 0..%d", len(d.Steps)-1)
		}
	}

	for _, s := range d.Steps {
		if err := s.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s WorkflowStep) validate() error {
	const op = "ValidateStep"

	switch s.StepType {
	case "", StepApproval, StepNotification, StepCondition, StepAutomated:
	default:
		return Validationf(op, "step %d: unknown step_type %q", s.StepOrder, s.StepType)
	}

	switch s.RejectionAction {
	case "", RejectionStop, RejectionRestart, RejectionEscalate:
	default:
		return Validationf(op, "step %d: unknown rejection_action %q", s.StepOrder, s.RejectionAction)
	}

	if !s.IsApproval() {
		return nil
	}

	if len(s.Approvers) == 0 && len(s.ApproverRoles) == 0 {
		return Validationf(op, "step %d: approval step needs approvers or approver_roles", s.StepOrder)
	}
	if s.TimeoutHours < 0 {
		return Validationf(op, "step %d: timeout_hours must not be negative", s.StepOrder)
	}

	if s.ApprovalType == ApprovalQuorum {
		if s.QuorumCount < 1 {
			return Validationf(op, "step %d: quorum_count must be at least 1", s.StepOrder)
		}
		// With roles the eligible set is only known at open time.
		if len(s.ApproverRoles) == 0 && s.QuorumCount > len(uniqueStrings(s.Approvers)) {
			return Validationf(op, "step %d: quorum_count %d exceeds %d eligible approvers",
				s.StepOrder, s.QuorumCount, len(uniqueStrings(s.Approvers)))
		}
	} else if s.QuorumCount != 0 {
		return Validationf(op, "step %d: quorum_count is only valid for QUORUM steps", s.StepOrder)
	}

	// Normalize fills in ALL for an unset approval_type.
	if s.ApprovalType == "" {
		return nil
	}
	if _, err := s.Policy(); err != nil {
		return err
	}
	return nil
}

// Normalize returns a copy with steps sorted by StepOrder and defaults applied.
func (d WorkflowDefinition) Normalize() WorkflowDefinition {
	out := d.Clone()
	sort.SliceStable(out.Steps, func(i, j int) bool {
		return out.Steps[i].StepOrder < out.Steps[j].StepOrder
	})
	for i := range out.Steps {
		s := &out.Steps[i]
		if s.StepType == "" {
			s.StepType = StepApproval
		}
		if s.IsApproval() && s.ApprovalType == "" {
			s.ApprovalType = ApprovalAll
		}
		if s.RejectionAction == "" {
			s.RejectionAction = RejectionStop
		}
	}
	return out
}

// Step returns the step at the given order.
func (d WorkflowDefinition) Step(order int) (WorkflowStep, bool) {
	if order < 0 || order >= len(d.Steps) {
		return WorkflowStep{}, false
	}
	return d.Steps[order], true
}

// Clone returns a deep copy of the definition.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	out := d
	out.Triggers = cloneStrings(d.Triggers)
	out.Metadata = cloneStringMap(d.Metadata)
	if d.Steps != nil {
		out.Steps = make([]WorkflowStep, len(d.Steps))
		for i, s := range d.Steps {
			out.Steps[i] = s.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the step.
func (s WorkflowStep) Clone() WorkflowStep {
	out := s
	out.Approvers = cloneStrings(s.Approvers)
	out.ApproverRoles = cloneStrings(s.ApproverRoles)
	out.AutoApproveConditions = cloneStringMap(s.AutoApproveConditions)
	out.EscalationApprovers = cloneStrings(s.EscalationApprovers)
	out.EscalationRoles = cloneStrings(s.EscalationRoles)
	return out
}

// AutoApproves reports whether the step's auto-approve conditions all hold
// for the given instance context. A step without conditions never
// auto-approves.
func (s WorkflowStep) AutoApproves(ctx map[string]any) bool {
	if len(s.AutoApproveConditions) == 0 {
		return false
	}
	for k, want := range s.AutoApproveConditions {
		got, ok := ctx[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// UniqueStrings returns in without blanks and duplicates, keeping first-seen order.
func UniqueStrings(in []string) []string {
	return uniqueStrings(in)
}
