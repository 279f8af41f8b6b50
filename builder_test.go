package approvalflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefinitionBuilder_BuildAssignsOrder(t *testing.T) {
	def, err := NewDefinition("budget-approval", "Budget Approval").
		Describe("two-stage budget sign-off").
		Trigger("budget.submitted").
		Meta("owner", "finance").
		Step(AllOf("alice", "bob").Timeout(24)).
		Step(QuorumOf(2, "carol", "dave", "erin").OnReject(RejectionRestart)).
		Step(AnyOfRoles("directors").EscalateTo("ceo")).
		Step(Notify("budget-approved")).
		Build()
	require.NoError(t, err)

	require.Len(t, def.Steps, 4)
	for i, s := range def.Steps {
		require.Equal(t, i, s.StepOrder)
	}
	require.Equal(t, ApprovalAll, def.Steps[0].ApprovalType)
	require.Equal(t, 24, def.Steps[0].TimeoutHours)
	require.Equal(t, RejectionStop, def.Steps[0].RejectionAction, "default rejection action")
	require.Equal(t, 2, def.Steps[1].QuorumCount)
	require.Equal(t, RejectionRestart, def.Steps[1].RejectionAction)
	require.Equal(t, []string{"directors"}, def.Steps[2].ApproverRoles)
	require.Equal(t, RejectionEscalate, def.Steps[2].RejectionAction)
	require.Equal(t, []string{"ceo"}, def.Steps[2].EscalationApprovers)
	require.Equal(t, "budget-approved", def.Steps[3].NotificationTemplate)
	require.Equal(t, []string{"budget.submitted"}, def.Triggers)
	require.Equal(t, "finance", def.Metadata["owner"])
}

func TestDefinitionBuilder_BuildValidates(t *testing.T) {
	_, err := NewDefinition("empty", "Empty").Build()
	require.True(t, IsValidation(err), "got %v", err)

	_, err = NewDefinition("no-approvers", "No approvers").Step(AllOf()).Build()
	require.True(t, IsValidation(err), "got %v", err)

	_, err = NewDefinition("bad-quorum", "Bad quorum").Step(QuorumOf(0, "a")).Build()
	require.True(t, IsValidation(err), "got %v", err)
}

func TestDefinitionBuilder_Deploy(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	def := NewDefinition("expense", "Expense").
		Step(AnyOf("alice", "bob").AutoApproveWhen("category", "travel")).
		MustDeploy(ctx, eng, "admin")
	require.Equal(t, DefinitionActive, def.Status)

	auto, err := Start(ctx, eng, "expense", "expense", "E-1", "requester", map[string]any{"category": "travel"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, auto.Status)

	inst, err := Start(ctx, eng, "expense", "expense", "E-2", "requester", map[string]any{"category": "hardware"})
	require.NoError(t, err)
	inst, err = ApproveAs(ctx, eng, inst.ID, "bob", "ok")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)

	inst, err = Start(ctx, eng, "expense", "expense", "E-3", "requester", nil)
	require.NoError(t, err)
	_, err = RejectAs(ctx, eng, inst.ID, "alice", "no")
	require.NoError(t, err)
	inst, err = RejectAs(ctx, eng, inst.ID, "bob", "no")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, inst.Status)

	require.Panics(t, func() {
		NewDefinition("expense", "Expense").Step(AnyOf("x")).MustDeploy(ctx, eng, "admin")
	}, "duplicate workflow id")
}

const budgetYAML = `
id: budget-approval
name: Budget Approval
triggers: [budget.submitted]
metadata:
  owner: finance
steps:
  - approvers: [alice, bob]
    approval_type: ALL
    timeout_hours: 48
  - approver_roles: [finance]
    approval_type: QUORUM
    quorum_count: 2
    rejection_action: ESCALATE
    escalation_approvers: [cfo]
  - step_type: notification
    notification_template: budget-approved
`

func TestParseDefinitionYAML(t *testing.T) {
	def, err := ParseDefinitionYAML([]byte(budgetYAML))
	require.NoError(t, err)

	require.Equal(t, "budget-approval", def.ID)
	require.Len(t, def.Steps, 3)
	require.Equal(t, 0, def.Steps[0].StepOrder)
	require.Equal(t, 2, def.Steps[2].StepOrder)
	require.Equal(t, ApprovalAll, def.Steps[0].ApprovalType)
	require.Equal(t, 48, def.Steps[0].TimeoutHours)
	require.Equal(t, ApprovalQuorum, def.Steps[1].ApprovalType)
	require.Equal(t, 2, def.Steps[1].QuorumCount)
	require.Equal(t, RejectionEscalate, def.Steps[1].RejectionAction)
	require.Equal(t, []string{"cfo"}, def.Steps[1].EscalationApprovers)
	require.Equal(t, "budget-approved", def.Steps[2].NotificationTemplate)
	require.Equal(t, "finance", def.Metadata["owner"])
}

func TestParseDefinitionYAML_Errors(t *testing.T) {
	_, err := ParseDefinitionYAML([]byte("steps: [oops"))
	require.True(t, IsValidation(err), "got %v", err)

	_, err = ParseDefinitionYAML([]byte("id: x\nname: x\nsteps:\n  - approval_type: ALL\n"))
	require.True(t, IsValidation(err), "step without approvers: %v", err)
}
