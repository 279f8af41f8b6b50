package api_test

import (
	"fmt"

	"github.com/petrijr/approvalflow/pkg/api"
)

// ExampleWorkflowStep_Policy shows how a step's approval type maps to a
// completion policy and how a tally of votes is evaluated.
func ExampleWorkflowStep_Policy() {
	step := api.WorkflowStep{
		ApprovalType: api.ApprovalQuorum,
		QuorumCount:  2,
		Approvers:    []string{"alice", "bob", "carol"},
	}

	policy, err := step.Policy()
	if err != nil {
		panic(err)
	}

	tally := api.TallyApprovals([]*api.WorkflowApproval{
		{ApproverID: "alice", Status: api.ApprovalRejected},
		{ApproverID: "bob", Status: api.ApprovalRejected},
		{ApproverID: "carol", Status: api.ApprovalPending},
	})

	fmt.Println(policy, policy.Evaluate(tally))
	// Output: QUORUM(2) rejected
}
