// Package metrics exports approvalflow activity to Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/approvalflow/pkg/api"
)

const namespace = "approvalflow"

// PrometheusObserver is an api.Observer that maintains Prometheus counters
// for instances, decisions, step outcomes and version changes.
type PrometheusObserver struct {
	instancesTotal  *prometheus.CounterVec
	approvalsTotal  *prometheus.CounterVec
	stepsTotal      *prometheus.CounterVec
	migrationsTotal *prometheus.CounterVec
	versionsTotal   *prometheus.CounterVec
	activeInstances prometheus.Gauge
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the observer and registers its collectors
// with reg. A nil reg means prometheus.DefaultRegisterer.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		instancesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_total",
				Help:      "Workflow instances by lifecycle event.",
			},
			[]string{"workflow_id", "status"},
		),
		approvalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approvals_total",
				Help:      "Recorded approval decisions.",
			},
			[]string{"workflow_id", "decision"},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_resolved_total",
				Help:      "Resolved step rounds by outcome.",
			},
			[]string{"workflow_id", "outcome"},
		),
		migrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migrations_total",
				Help:      "Instances moved to another definition version.",
			},
			[]string{"workflow_id"},
		),
		versionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "versions_created_total",
				Help:      "Definition versions published with CreateNewVersion.",
			},
			[]string{"workflow_id"},
		),
		activeInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_instances",
				Help:      "Instances created but not yet finished by this process.",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		o.instancesTotal,
		o.approvalsTotal,
		o.stepsTotal,
		o.migrationsTotal,
		o.versionsTotal,
		o.activeInstances,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OnInstanceCreated(_ context.Context, inst *api.WorkflowInstance) {
	o.instancesTotal.WithLabelValues(inst.WorkflowID, "created").Inc()
	o.activeInstances.Inc()
}

func (o *PrometheusObserver) OnApprovalSubmitted(_ context.Context, inst *api.WorkflowInstance, a *api.WorkflowApproval) {
	o.approvalsTotal.WithLabelValues(inst.WorkflowID, string(a.Decision)).Inc()
}

func (o *PrometheusObserver) OnStepResolved(_ context.Context, inst *api.WorkflowInstance, _ int, outcome api.Outcome) {
	o.stepsTotal.WithLabelValues(inst.WorkflowID, outcome.String()).Inc()
}

func (o *PrometheusObserver) OnInstanceFinished(_ context.Context, inst *api.WorkflowInstance) {
	o.instancesTotal.WithLabelValues(inst.WorkflowID, string(inst.Status)).Inc()
	o.activeInstances.Dec()
}

func (o *PrometheusObserver) OnInstanceMigrated(_ context.Context, inst *api.WorkflowInstance, _, _ int) {
	o.migrationsTotal.WithLabelValues(inst.WorkflowID).Inc()
}

func (o *PrometheusObserver) OnVersionCreated(_ context.Context, info api.VersionInfo) {
	o.versionsTotal.WithLabelValues(info.WorkflowID).Inc()
}
