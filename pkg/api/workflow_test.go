package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func budgetDefinition() WorkflowDefinition {
	return WorkflowDefinition{
		Name: "Budget Approval",
		Steps: []WorkflowStep{
			{StepOrder: 1, ApprovalType: ApprovalAny, Approvers: []string{"carol", "dave"}},
			{StepOrder: 0, ApprovalType: ApprovalAll, Approvers: []string{"alice", "bob"}},
		},
	}
}

func TestWorkflowDefinition_ValidateAcceptsUnsortedContiguousOrders(t *testing.T) {
	require.NoError(t, budgetDefinition().Validate())
}

func TestWorkflowDefinition_ValidateRejectsGapsAndDuplicates(t *testing.T) {
	for _, orders := range [][]int{{0, 2}, {1, 2}, {0, 0}} {
		def := WorkflowDefinition{Name: "x"}
		for _, o := range orders {
			def.Steps = append(def.Steps, WorkflowStep{StepOrder: o, Approvers: []string{"a"}})
		}
		err := def.Validate()
		assert.True(t, IsValidation(err), "orders %v: %v", orders, err)
	}
}

func TestWorkflowDefinition_ValidateStepRules(t *testing.T) {
	tests := []struct {
		name string
		step WorkflowStep
	}{
		{"no approvers", WorkflowStep{}},
		{"quorum without count", WorkflowStep{ApprovalType: ApprovalQuorum, Approvers: []string{"a", "b"}}},
		{"quorum above approvers", WorkflowStep{ApprovalType: ApprovalQuorum, QuorumCount: 3, Approvers: []string{"a", "b", "b"}}},
		{"count on non-quorum", WorkflowStep{ApprovalType: ApprovalAny, QuorumCount: 1, Approvers: []string{"a"}}},
		{"negative timeout", WorkflowStep{Approvers: []string{"a"}, TimeoutHours: -1}},
		{"unknown type", WorkflowStep{StepType: "webhook"}},
		{"unknown rejection action", WorkflowStep{Approvers: []string{"a"}, RejectionAction: "PANIC"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := WorkflowDefinition{Name: "x", Steps: []WorkflowStep{tt.step}}
			err := def.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
		})
	}
}

func TestWorkflowDefinition_ValidateQuorumWithRolesDefersCount(t *testing.T) {
	def := WorkflowDefinition{Name: "x", Steps: []WorkflowStep{
		{ApprovalType: ApprovalQuorum, QuorumCount: 5, ApproverRoles: []string{"finance"}},
	}}
	assert.NoError(t, def.Validate())
}

func TestWorkflowDefinition_NonApprovalStepsNeedNoApprovers(t *testing.T) {
	def := WorkflowDefinition{Name: "x", Steps: []WorkflowStep{
		{StepOrder: 0, StepType: StepNotification, NotificationTemplate: "hello"},
	}}
	assert.NoError(t, def.Validate())
}

func TestWorkflowDefinition_NormalizeSortsAndDefaults(t *testing.T) {
	def := budgetDefinition().Normalize()

	require.Len(t, def.Steps, 2)
	assert.Equal(t, 0, def.Steps[0].StepOrder)
	assert.Equal(t, []string{"alice", "bob"}, def.Steps[0].Approvers)
	assert.Equal(t, StepApproval, def.Steps[0].StepType)
	assert.Equal(t, RejectionStop, def.Steps[1].RejectionAction)

	step, ok := def.Step(1)
	require.True(t, ok)
	assert.Equal(t, ApprovalAny, step.ApprovalType)
	_, ok = def.Step(2)
	assert.False(t, ok)
}

func TestWorkflowDefinition_CloneIsDeep(t *testing.T) {
	def := budgetDefinition()
	def.Metadata = map[string]string{"owner": "finance"}
	cp := def.Clone()

	cp.Steps[0].Approvers[0] = "mallory"
	cp.Metadata["owner"] = "ops"

	assert.Equal(t, "carol", def.Steps[0].Approvers[0])
	assert.Equal(t, "finance", def.Metadata["owner"])
}

func TestWorkflowStep_AutoApproves(t *testing.T) {
	step := WorkflowStep{AutoApproveConditions: map[string]string{"amount_band": "small", "urgent": "false"}}

	assert.True(t, step.AutoApproves(map[string]any{"amount_band": "small", "urgent": false}))
	assert.False(t, step.AutoApproves(map[string]any{"amount_band": "small"}))
	assert.False(t, WorkflowStep{}.AutoApproves(map[string]any{"x": 1}))
}

func TestError_FormatsAndUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := &Error{Kind: ErrConflict, Op: "SubmitApproval", Msg: "instance i-1 changed", Err: cause}

	assert.Equal(t, "SubmitApproval: instance i-1 changed: disk full", err.Error())
	assert.True(t, IsConflict(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsNotFound(err))

	assert.Equal(t, "GetWorkflow: workflow wf not found", NotFoundf("GetWorkflow", "workflow %s not found", "wf").Error())
	assert.True(t, IsTerminalState(TerminalStatef("op", "done")))
}
