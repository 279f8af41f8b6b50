package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Callbacks run after the mutation has been persisted. Implementations
// should be fast and non-blocking.
type Observer interface {
	// OnInstanceCreated is called once an instance and its first approvals
	// have been stored.
	OnInstanceCreated(ctx context.Context, inst *WorkflowInstance)

	// OnApprovalSubmitted is called for every recorded decision.
	OnApprovalSubmitted(ctx context.Context, inst *WorkflowInstance, approval *WorkflowApproval)

	// OnStepResolved is called when a step round is decided.
	OnStepResolved(ctx context.Context, inst *WorkflowInstance, step int, outcome Outcome)

	// OnInstanceFinished is called when an instance reaches a terminal status.
	OnInstanceFinished(ctx context.Context, inst *WorkflowInstance)

	// OnInstanceMigrated is called after an instance was rebound to another version.
	OnInstanceMigrated(ctx context.Context, inst *WorkflowInstance, fromVersion, toVersion int)

	// OnVersionCreated is called after CreateNewVersion stored a version.
	OnVersionCreated(ctx context.Context, info VersionInfo)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceCreated(context.Context, *WorkflowInstance)                      {}
func (NoopObserver) OnApprovalSubmitted(context.Context, *WorkflowInstance, *WorkflowApproval) {}
func (NoopObserver) OnStepResolved(context.Context, *WorkflowInstance, int, Outcome)           {}
func (NoopObserver) OnInstanceFinished(context.Context, *WorkflowInstance)                     {}
func (NoopObserver) OnInstanceMigrated(context.Context, *WorkflowInstance, int, int)           {}
func (NoopObserver) OnVersionCreated(context.Context, VersionInfo)                             {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceCreated(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnInstanceCreated(ctx, inst)
	}
}

func (c *CompositeObserver) OnApprovalSubmitted(ctx context.Context, inst *WorkflowInstance, a *WorkflowApproval) {
	for _, o := range c.observers {
		o.OnApprovalSubmitted(ctx, inst, a)
	}
}

func (c *CompositeObserver) OnStepResolved(ctx context.Context, inst *WorkflowInstance, step int, outcome Outcome) {
	for _, o := range c.observers {
		o.OnStepResolved(ctx, inst, step, outcome)
	}
}

func (c *CompositeObserver) OnInstanceFinished(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnInstanceFinished(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceMigrated(ctx context.Context, inst *WorkflowInstance, from, to int) {
	for _, o := range c.observers {
		o.OnInstanceMigrated(ctx, inst, from, to)
	}
}

func (c *CompositeObserver) OnVersionCreated(ctx context.Context, info VersionInfo) {
	for _, o := range c.observers {
		o.OnVersionCreated(ctx, info)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func instanceAttrs(inst *WorkflowInstance) []any {
	return []any{
		slog.String("workflow_id", inst.WorkflowID),
		slog.Int("workflow_version", inst.WorkflowVersion),
		slog.String("instance_id", inst.ID),
		slog.String("entity", inst.EntityType+"/"+inst.EntityID),
	}
}

func (o *LoggingObserver) OnInstanceCreated(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "instance_created",
		append(instanceAttrs(inst), slog.String("initiated_by", inst.InitiatedBy))...,
	)
}

func (o *LoggingObserver) OnApprovalSubmitted(ctx context.Context, inst *WorkflowInstance, a *WorkflowApproval) {
	o.Logger.InfoContext(ctx, "approval_submitted",
		append(instanceAttrs(inst),
			slog.Int("step", a.StepNumber),
			slog.String("approver_id", a.ApproverID),
			slog.String("decision", string(a.Decision)),
		)...,
	)
}

func (o *LoggingObserver) OnStepResolved(ctx context.Context, inst *WorkflowInstance, step int, outcome Outcome) {
	o.Logger.InfoContext(ctx, "step_resolved",
		append(instanceAttrs(inst),
			slog.Int("step", step),
			slog.String("outcome", outcome.String()),
		)...,
	)
}

func (o *LoggingObserver) OnInstanceFinished(ctx context.Context, inst *WorkflowInstance) {
	level := slog.LevelInfo
	if inst.Status != StatusCompleted {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "instance_finished",
		append(instanceAttrs(inst), slog.String("status", string(inst.Status)))...,
	)
}

func (o *LoggingObserver) OnInstanceMigrated(ctx context.Context, inst *WorkflowInstance, from, to int) {
	o.Logger.WarnContext(ctx, "instance_migrated",
		append(instanceAttrs(inst), slog.Int("from_version", from), slog.Int("to_version", to))...,
	)
}

func (o *LoggingObserver) OnVersionCreated(ctx context.Context, info VersionInfo) {
	o.Logger.InfoContext(ctx, "version_created",
		slog.String("workflow_id", info.WorkflowID),
		slog.Int("previous_version", info.PreviousVersion),
		slog.Int("new_version", info.NewVersion),
		slog.Int("preserved_instances", info.PreservedInstances),
	)
}

// BasicMetrics collects simple counters. It implements Observer, and can be
// combined with LoggingObserver via NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesCreated   atomic.Int64
	instancesCompleted atomic.Int64
	instancesRejected  atomic.Int64
	instancesCancelled atomic.Int64
	approvalsSubmitted atomic.Int64
	stepsApproved      atomic.Int64
	stepsRejected      atomic.Int64
	migrations         atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesCreated   int64
	InstancesCompleted int64
	InstancesRejected  int64
	InstancesCancelled int64
	ActiveInstances    int64

	ApprovalsSubmitted int64
	StepsApproved      int64
	StepsRejected      int64
	Migrations         int64
}

func (m *BasicMetrics) OnInstanceCreated(context.Context, *WorkflowInstance) {
	m.instancesCreated.Add(1)
}

func (m *BasicMetrics) OnApprovalSubmitted(context.Context, *WorkflowInstance, *WorkflowApproval) {
	m.approvalsSubmitted.Add(1)
}

func (m *BasicMetrics) OnStepResolved(_ context.Context, _ *WorkflowInstance, _ int, outcome Outcome) {
	switch outcome {
	case OutcomeApproved:
		m.stepsApproved.Add(1)
	case OutcomeRejected:
		m.stepsRejected.Add(1)
	}
}

func (m *BasicMetrics) OnInstanceFinished(_ context.Context, inst *WorkflowInstance) {
	switch inst.Status {
	case StatusCompleted:
		m.instancesCompleted.Add(1)
	case StatusRejected:
		m.instancesRejected.Add(1)
	case StatusCancelled:
		m.instancesCancelled.Add(1)
	}
}

func (m *BasicMetrics) OnInstanceMigrated(context.Context, *WorkflowInstance, int, int) {
	m.migrations.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	created := m.instancesCreated.Load()
	completed := m.instancesCompleted.Load()
	rejected := m.instancesRejected.Load()
	cancelled := m.instancesCancelled.Load()

	return BasicMetricsSnapshot{
		InstancesCreated:   created,
		InstancesCompleted: completed,
		InstancesRejected:  rejected,
		InstancesCancelled: cancelled,
		ActiveInstances:    created - completed - rejected - cancelled,
		ApprovalsSubmitted: m.approvalsSubmitted.Load(),
		StepsApproved:      m.stepsApproved.Load(),
		StepsRejected:      m.stepsRejected.Load(),
		Migrations:         m.migrations.Load(),
	}
}
