package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func votes(statuses ...ApprovalStatus) []*WorkflowApproval {
	out := make([]*WorkflowApproval, len(statuses))
	for i, s := range statuses {
		out[i] = &WorkflowApproval{Status: s}
	}
	return out
}

func TestTallyApprovals_IgnoresDelegatedAndSkipped(t *testing.T) {
	tally := TallyApprovals(votes(
		ApprovalApproved, ApprovalRejected, ApprovalExpired, ApprovalPending,
		ApprovalDelegated, ApprovalSkipped,
	))
	assert.Equal(t, Tally{Eligible: 4, Approved: 1, Rejected: 1, Expired: 1, Outstanding: 1}, tally)
}

func TestPolicies_Evaluate(t *testing.T) {
	tests := []struct {
		name   string
		policy ApprovalPolicy
		votes  []ApprovalStatus
		want   Outcome
	}{
		{"all/one approved of two", AllPolicy{}, []ApprovalStatus{ApprovalApproved, ApprovalPending}, OutcomeUnresolved},
		{"all/every approved", AllPolicy{}, []ApprovalStatus{ApprovalApproved, ApprovalApproved}, OutcomeApproved},
		{"all/single rejection", AllPolicy{}, []ApprovalStatus{ApprovalApproved, ApprovalRejected, ApprovalPending}, OutcomeRejected},
		{"all/expired vote", AllPolicy{}, []ApprovalStatus{ApprovalApproved, ApprovalExpired}, OutcomeRejected},

		{"any/first approval", AnyPolicy{}, []ApprovalStatus{ApprovalApproved, ApprovalPending, ApprovalPending}, OutcomeApproved},
		{"any/partial rejection tolerated", AnyPolicy{}, []ApprovalStatus{ApprovalRejected, ApprovalPending}, OutcomeUnresolved},
		{"any/all rejected", AnyPolicy{}, []ApprovalStatus{ApprovalRejected, ApprovalRejected}, OutcomeRejected},
		{"any/rejected and expired", AnyPolicy{}, []ApprovalStatus{ApprovalRejected, ApprovalExpired}, OutcomeRejected},

		{"majority/2 of 3", MajorityPolicy{}, []ApprovalStatus{ApprovalApproved, ApprovalApproved, ApprovalPending}, OutcomeApproved},
		{"majority/half is not enough", MajorityPolicy{}, []ApprovalStatus{ApprovalApproved, ApprovalPending, ApprovalRejected, ApprovalPending}, OutcomeUnresolved},
		{"majority/rejections exceed half", MajorityPolicy{}, []ApprovalStatus{ApprovalRejected, ApprovalRejected, ApprovalPending}, OutcomeRejected},
		{"majority/tie with nothing outstanding", MajorityPolicy{}, []ApprovalStatus{ApprovalApproved, ApprovalRejected}, OutcomeRejected},

		{"quorum/2 approvals of 3", QuorumPolicy{Count: 2}, []ApprovalStatus{ApprovalApproved, ApprovalApproved, ApprovalPending}, OutcomeApproved},
		{"quorum/2 rejections of 3", QuorumPolicy{Count: 2}, []ApprovalStatus{ApprovalRejected, ApprovalRejected, ApprovalPending}, OutcomeRejected},
		{"quorum/still reachable", QuorumPolicy{Count: 2}, []ApprovalStatus{ApprovalRejected, ApprovalPending, ApprovalPending}, OutcomeUnresolved},
		{"quorum/expiry removes outstanding", QuorumPolicy{Count: 2}, []ApprovalStatus{ApprovalApproved, ApprovalExpired, ApprovalExpired}, OutcomeRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.Evaluate(TallyApprovals(votes(tt.votes...)))
			assert.Equal(t, tt.want, got, "outcome %s", got)
		})
	}
}

func TestPolicies_EmptyPoolIsUnresolved(t *testing.T) {
	for _, p := range []ApprovalPolicy{AllPolicy{}, AnyPolicy{}, MajorityPolicy{}, QuorumPolicy{Count: 1}} {
		assert.Equal(t, OutcomeUnresolved, p.Evaluate(Tally{}), "%T", p)
	}
}

func TestWorkflowStep_Policy(t *testing.T) {
	_, err := WorkflowStep{}.Policy()
	assert.True(t, IsValidation(err), "an unnormalized step has no policy")

	p, err := WorkflowStep{ApprovalType: ApprovalAll}.Policy()
	require.NoError(t, err)
	assert.Equal(t, ApprovalAll, p.Type())

	p, err = WorkflowDefinition{Steps: []WorkflowStep{{Approvers: []string{"A"}}}}.Normalize().Steps[0].Policy()
	require.NoError(t, err)
	assert.Equal(t, ApprovalAll, p.Type())

	p, err = WorkflowStep{ApprovalType: ApprovalQuorum, QuorumCount: 3}.Policy()
	require.NoError(t, err)
	assert.Equal(t, QuorumPolicy{Count: 3}, p)

	_, err = WorkflowStep{ApprovalType: ApprovalQuorum}.Policy()
	assert.True(t, IsValidation(err))

	_, err = WorkflowStep{ApprovalType: "SOME"}.Policy()
	assert.True(t, IsValidation(err))
}
