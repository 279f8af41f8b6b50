package api

import (
	"context"
	"log/slog"
	"sync"
	"testing"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	created   int
	submitted int
	resolved  int
	finished  int
	migrated  int
	versions  int

	lastOutcome  Outcome
	lastApproval *WorkflowApproval
	lastFrom     int
	lastTo       int
}

func (o *testObserver) OnInstanceCreated(context.Context, *WorkflowInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created++
}

func (o *testObserver) OnApprovalSubmitted(_ context.Context, _ *WorkflowInstance, a *WorkflowApproval) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted++
	o.lastApproval = a
}

func (o *testObserver) OnStepResolved(_ context.Context, _ *WorkflowInstance, _ int, outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolved++
	o.lastOutcome = outcome
}

func (o *testObserver) OnInstanceFinished(context.Context, *WorkflowInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
}

func (o *testObserver) OnInstanceMigrated(_ context.Context, _ *WorkflowInstance, from, to int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.migrated++
	o.lastFrom, o.lastTo = from, to
}

func (o *testObserver) OnVersionCreated(context.Context, VersionInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.versions++
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestInstance() *WorkflowInstance {
	return &WorkflowInstance{
		ID:              "inst-123",
		WorkflowID:      "wf-budget",
		WorkflowVersion: 2,
		EntityType:      "budget",
		EntityID:        "b-1",
		Status:          StatusInProgress,
	}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()
	var o Observer = NoopObserver{}

	o.OnInstanceCreated(ctx, inst)
	o.OnApprovalSubmitted(ctx, inst, &WorkflowApproval{})
	o.OnStepResolved(ctx, inst, 0, OutcomeApproved)
	o.OnInstanceFinished(ctx, inst)
	o.OnInstanceMigrated(ctx, inst, 1, 2)
	o.OnVersionCreated(ctx, VersionInfo{})
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil)

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	vote := &WorkflowApproval{ApproverID: "alice", Decision: DecisionApprove}
	co.OnInstanceCreated(ctx, inst)
	co.OnApprovalSubmitted(ctx, inst, vote)
	co.OnStepResolved(ctx, inst, 0, OutcomeRejected)
	co.OnInstanceFinished(ctx, inst)
	co.OnInstanceMigrated(ctx, inst, 1, 3)
	co.OnVersionCreated(ctx, VersionInfo{WorkflowID: inst.WorkflowID})

	for i, o := range []*testObserver{o1, o2} {
		if o.created != 1 || o.submitted != 1 || o.resolved != 1 || o.finished != 1 || o.migrated != 1 || o.versions != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastApproval != vote {
			t.Fatalf("observer %d approval mismatch", i+1)
		}
		if o.lastOutcome != OutcomeRejected {
			t.Fatalf("observer %d outcome = %v", i+1, o.lastOutcome)
		}
		if o.lastFrom != 1 || o.lastTo != 3 {
			t.Fatalf("observer %d migration = %d->%d", i+1, o.lastFrom, o.lastTo)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnApprovalSubmitted_EmitsInfoLog(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnApprovalSubmitted(ctx, inst, &WorkflowApproval{StepNumber: 1, ApproverID: "bob", Decision: DecisionReject})

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}
	rec := h.records[0]
	if rec.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", rec.Level)
	}
	if rec.Message != "approval_submitted" {
		t.Fatalf("expected message approval_submitted, got %q", rec.Message)
	}

	attrs := attrsToMap(rec)
	if attrs["instance_id"] != inst.ID {
		t.Fatalf("expected instance_id=%q, got %v", inst.ID, attrs["instance_id"])
	}
	if attrs["approver_id"] != "bob" {
		t.Fatalf("expected approver_id=bob, got %v", attrs["approver_id"])
	}
	if attrs["decision"] != "reject" {
		t.Fatalf("expected decision=reject, got %v", attrs["decision"])
	}
}

func TestLoggingObserver_OnInstanceFinished_LevelDependsOnStatus(t *testing.T) {
	ctx := context.Background()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	done := newTestInstance()
	done.Status = StatusCompleted
	o.OnInstanceFinished(ctx, done)

	rejected := newTestInstance()
	rejected.Status = StatusRejected
	o.OnInstanceFinished(ctx, rejected)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	if h.records[0].Level != slog.LevelInfo {
		t.Fatalf("expected completed record LevelInfo, got %v", h.records[0].Level)
	}
	if h.records[1].Level != slog.LevelWarn {
		t.Fatalf("expected rejected record LevelWarn, got %v", h.records[1].Level)
	}
	if got := attrsToMap(h.records[1])["status"]; got != "rejected" {
		t.Fatalf("expected status=rejected, got %v", got)
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_CountersAndSnapshot(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()

	// 3 created, 1 completed, 1 rejected -> active = 1
	for i := 0; i < 3; i++ {
		m.OnInstanceCreated(ctx, newTestInstance())
	}

	done := newTestInstance()
	done.Status = StatusCompleted
	m.OnInstanceFinished(ctx, done)

	rejected := newTestInstance()
	rejected.Status = StatusRejected
	m.OnInstanceFinished(ctx, rejected)

	m.OnApprovalSubmitted(ctx, done, &WorkflowApproval{})
	m.OnStepResolved(ctx, done, 0, OutcomeApproved)
	m.OnStepResolved(ctx, rejected, 0, OutcomeRejected)
	m.OnStepResolved(ctx, rejected, 0, OutcomeUnresolved)
	m.OnInstanceMigrated(ctx, done, 1, 2)

	snap := m.Snapshot()
	if snap.InstancesCreated != 3 {
		t.Fatalf("InstancesCreated=%d, want 3", snap.InstancesCreated)
	}
	if snap.InstancesCompleted != 1 || snap.InstancesRejected != 1 {
		t.Fatalf("completed=%d rejected=%d, want 1/1", snap.InstancesCompleted, snap.InstancesRejected)
	}
	if snap.ActiveInstances != 1 {
		t.Fatalf("ActiveInstances=%d, want 1", snap.ActiveInstances)
	}
	if snap.ApprovalsSubmitted != 1 {
		t.Fatalf("ApprovalsSubmitted=%d, want 1", snap.ApprovalsSubmitted)
	}
	if snap.StepsApproved != 1 || snap.StepsRejected != 1 {
		t.Fatalf("steps approved=%d rejected=%d, want 1/1", snap.StepsApproved, snap.StepsRejected)
	}
	if snap.Migrations != 1 {
		t.Fatalf("Migrations=%d, want 1", snap.Migrations)
	}
}
