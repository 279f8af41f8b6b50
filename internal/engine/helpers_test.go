package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/pkg/api"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []api.NotificationEvent
}

func (n *recordingNotifier) Notify(_ context.Context, ev api.NotificationEvent, _ *api.WorkflowInstance, _ int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) count(ev api.NotificationEvent) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == ev {
			c++
		}
	}
	return c
}

type harness struct {
	ctx      context.Context
	eng      api.Engine
	clock    *testClock
	notifier *recordingNotifier
	metrics  *api.BasicMetrics
}

func newHarness(t *testing.T, p persistence.Persistence) *harness {
	t.Helper()

	h := &harness{
		ctx:      context.Background(),
		clock:    newTestClock(),
		notifier: &recordingNotifier{},
		metrics:  &api.BasicMetrics{},
	}
	h.eng = NewEngineWithConfig(Config{
		Persistence: p,
		Resolver: api.NewStaticResolver(map[string][]string{
			"finance":   {"fin-1", "fin-2"},
			"directors": {"dir-1"},
		}),
		Notifier: h.notifier,
		Clock:    h.clock,
		Observer: h.metrics,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func newMemoryHarness(t *testing.T) *harness {
	mem := persistence.NewInMemoryStore()
	return newHarness(t, persistence.Persistence{Definitions: mem, Instances: mem, Events: mem})
}

// deploy creates and activates def.
func (h *harness) deploy(t *testing.T, def api.WorkflowDefinition) api.WorkflowDefinition {
	t.Helper()
	created, err := h.eng.CreateWorkflow(h.ctx, def, "admin")
	require.NoError(t, err)
	active, err := h.eng.ActivateWorkflow(h.ctx, created.ID, "admin")
	require.NoError(t, err)
	return active
}

func (h *harness) start(t *testing.T, workflowID string, vars map[string]any) *api.WorkflowInstance {
	t.Helper()
	inst, err := h.eng.CreateInstance(h.ctx, api.CreateInstanceRequest{
		WorkflowID:  workflowID,
		EntityType:  "budget",
		EntityID:    "X",
		InitiatedBy: "requester",
		Context:     vars,
	})
	require.NoError(t, err)
	return inst
}

func (h *harness) vote(t *testing.T, instanceID, approver string, d api.Decision) *api.WorkflowInstance {
	t.Helper()
	inst, err := h.eng.SubmitApproval(h.ctx, instanceID, approver, d, "")
	require.NoError(t, err)
	return inst
}

func (h *harness) pendingApprovers(t *testing.T, instanceID string) []string {
	t.Helper()
	status, err := h.eng.GetInstanceStatus(h.ctx, instanceID)
	require.NoError(t, err)
	var out []string
	for _, a := range status.Approvals {
		if a.Status == api.ApprovalPending {
			out = append(out, a.ApproverID)
		}
	}
	return out
}

func approvalStep(order int, typ api.ApprovalType, approvers ...string) api.WorkflowStep {
	return api.WorkflowStep{
		StepOrder:    order,
		StepType:     api.StepApproval,
		Approvers:    approvers,
		ApprovalType: typ,
	}
}

func singleStep(id string, step api.WorkflowStep) api.WorkflowDefinition {
	return api.WorkflowDefinition{ID: id, Name: id, Steps: []api.WorkflowStep{step}}
}

func budgetApproval() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID:   "budget-approval",
		Name: "Budget Approval",
		Steps: []api.WorkflowStep{
			approvalStep(0, api.ApprovalAll, "A", "B"),
			approvalStep(1, api.ApprovalAny, "C", "D"),
		},
	}
}

// runBudgetScenario drives the two-step budget approval to completion and
// returns the completed instance.
func runBudgetScenario(t *testing.T, h *harness) *api.WorkflowInstance {
	t.Helper()

	h.deploy(t, budgetApproval())
	inst := h.start(t, "budget-approval", map[string]any{"amount": 12000})
	require.Equal(t, api.StatusPending, inst.Status)
	require.Equal(t, 1, inst.WorkflowVersion)
	require.ElementsMatch(t, []string{"A", "B"}, h.pendingApprovers(t, inst.ID))

	pending, err := h.eng.ListPendingApprovals(h.ctx, "A")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	inst = h.vote(t, inst.ID, "A", api.DecisionApprove)
	require.Equal(t, api.StatusInProgress, inst.Status)
	require.Equal(t, 0, inst.CurrentStep)
	require.Equal(t, []string{"B"}, h.pendingApprovers(t, inst.ID))

	pending, err = h.eng.ListPendingApprovals(h.ctx, "A")
	require.NoError(t, err)
	require.Empty(t, pending)

	inst = h.vote(t, inst.ID, "B", api.DecisionApprove)
	require.Equal(t, 1, inst.CurrentStep)
	require.ElementsMatch(t, []string{"C", "D"}, h.pendingApprovers(t, inst.ID))

	inst = h.vote(t, inst.ID, "D", api.DecisionApprove)
	require.Equal(t, api.StatusCompleted, inst.Status)
	require.Equal(t, 2, inst.CurrentStep)
	require.NotNil(t, inst.CompletedAt)

	pending, err = h.eng.ListPendingApprovals(h.ctx, "C")
	require.NoError(t, err)
	require.Empty(t, pending)

	status, err := h.eng.GetInstanceStatus(h.ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, status.Instance.Status)
	require.Equal(t, 12000, toInt(status.Instance.Context["amount"]))

	history, err := h.eng.GetInstanceHistory(h.ctx, inst.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	require.Equal(t, api.EventInstanceCreated, history[0].Type)
	require.Equal(t, api.EventInstanceCompleted, history[len(history)-1].Type)
	return inst
}

// toInt normalizes numbers that went through a store codec.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return -1
}
