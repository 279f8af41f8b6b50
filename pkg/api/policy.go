package api

import "fmt"

// Outcome is the result of evaluating a step's completion policy.
type Outcome int

const (
	OutcomeUnresolved Outcome = iota
	OutcomeApproved
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unresolved"
	}
}

// Tally counts the votes of one step round. Delegated and skipped records
// are not part of the eligible pool.
type Tally struct {
	Eligible    int
	Approved    int
	Rejected    int
	Expired     int
	Outstanding int
}

// TallyApprovals counts the given records.
func TallyApprovals(approvals []*WorkflowApproval) Tally {
	var t Tally
	for _, a := range approvals {
		switch a.Status {
		case ApprovalApproved:
			t.Approved++
		case ApprovalRejected:
			t.Rejected++
		case ApprovalExpired:
			t.Expired++
		case ApprovalPending:
			t.Outstanding++
		default:
			continue
		}
		t.Eligible++
	}
	return t
}

// ApprovalPolicy is the completion rule of an approval step. The set of
// implementations is closed; WorkflowStep.Policy maps every ApprovalType to
// exactly one of them.
type ApprovalPolicy interface {
	Type() ApprovalType
	Evaluate(t Tally) Outcome
	policy()
}

// AllPolicy approves once every eligible approver approved. A single
// rejection, or an expired vote, makes approval unreachable.
type AllPolicy struct{}

// AnyPolicy approves on the first approval and rejects only once no
// approval is possible any more.
type AnyPolicy struct{}

// MajorityPolicy approves once approvals exceed half of the eligible pool
// and rejects once rejections do.
type MajorityPolicy struct{}

// QuorumPolicy approves once Count approvals are in and rejects once the
// outstanding votes can no longer reach Count.
type QuorumPolicy struct {
	Count int
}

func (AllPolicy) Type() ApprovalType      { return ApprovalAll }
func (AnyPolicy) Type() ApprovalType      { return ApprovalAny }
func (MajorityPolicy) Type() ApprovalType { return ApprovalMajority }
func (QuorumPolicy) Type() ApprovalType   { return ApprovalQuorum }

func (AllPolicy) policy()      {}
func (AnyPolicy) policy()      {}
func (MajorityPolicy) policy() {}
func (QuorumPolicy) policy()   {}

func (AllPolicy) Evaluate(t Tally) Outcome {
	switch {
	case t.Eligible == 0:
		return OutcomeUnresolved
	case t.Rejected > 0 || t.Expired > 0:
		return OutcomeRejected
	case t.Approved == t.Eligible:
		return OutcomeApproved
	}
	return OutcomeUnresolved
}

func (AnyPolicy) Evaluate(t Tally) Outcome {
	switch {
	case t.Eligible == 0:
		return OutcomeUnresolved
	case t.Approved > 0:
		return OutcomeApproved
	case t.Outstanding == 0:
		return OutcomeRejected
	}
	return OutcomeUnresolved
}

func (MajorityPolicy) Evaluate(t Tally) Outcome {
	switch {
	case t.Eligible == 0:
		return OutcomeUnresolved
	case 2*t.Approved > t.Eligible:
		return OutcomeApproved
	case 2*t.Rejected > t.Eligible:
		return OutcomeRejected
	case t.Outstanding == 0:
		// Everyone voted or expired without a majority either way.
		return OutcomeRejected
	}
	return OutcomeUnresolved
}

func (p QuorumPolicy) Evaluate(t Tally) Outcome {
	switch {
	case t.Eligible == 0:
		return OutcomeUnresolved
	case t.Approved >= p.Count:
		return OutcomeApproved
	case t.Approved+t.Outstanding < p.Count:
		return OutcomeRejected
	}
	return OutcomeUnresolved
}

// Policy returns the completion policy configured on the step. The step
// must be normalized first; an unset approval_type is an error here.
func (s WorkflowStep) Policy() (ApprovalPolicy, error) {
	switch s.ApprovalType {
	case "":
		return nil, Validationf("StepPolicy", "step %d: approval_type is not set", s.StepOrder)
	case ApprovalAll:
		return AllPolicy{}, nil
	case ApprovalAny:
		return AnyPolicy{}, nil
	case ApprovalMajority:
		return MajorityPolicy{}, nil
	case ApprovalQuorum:
		if s.QuorumCount < 1 {
			return nil, Validationf("StepPolicy", "step %d: quorum_count must be at least 1", s.StepOrder)
		}
		return QuorumPolicy{Count: s.QuorumCount}, nil
	default:
		return nil, Validationf("StepPolicy", "step %d: unknown approval_type %q", s.StepOrder, s.ApprovalType)
	}
}

// String implements fmt.Stringer for log output.
func (p QuorumPolicy) String() string {
	return fmt.Sprintf("QUORUM(%d)", p.Count)
}
