// Package metrics exposes Prometheus collectors for execution activity.
//
// All methods are safe to call on a nil *Metrics, so components take an
// optional metrics handle without guarding every call site.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolrun"

// Metrics holds the engine's collectors.
type Metrics struct {
	actionInvocations *prometheus.CounterVec
	workflowRuns      *prometheus.CounterVec
	nodeRetries       *prometheus.CounterVec
	auditDropped      *prometheus.CounterVec
}

// MustNewMetrics constructs and registers the collectors with reg. A nil reg
// means prometheus.DefaultRegisterer. Collectors already registered with
// reg are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		actionInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_invocations_total",
			Help:      "Integration invocations made by the action executor, by outcome.",
		}, []string{"integration", "status"}),
		workflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Workflow runs that reached a terminal or suspended state.",
		}, []string{"status"}),
		nodeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Retries of workflow nodes after transient failures.",
		}, []string{"node_type"}),
		auditDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit entries that were not persisted.",
		}, []string{"reason"}),
	}

	m.actionInvocations = register(reg, m.actionInvocations)
	m.workflowRuns = register(reg, m.workflowRuns)
	m.nodeRetries = register(reg, m.nodeRetries)
	m.auditDropped = register(reg, m.auditDropped)
	return m
}

func register(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// IncActionInvocation counts one integration call.
func (m *Metrics) IncActionInvocation(integration, status string) {
	if m == nil {
		return
	}
	m.actionInvocations.WithLabelValues(integration, status).Inc()
}

// IncWorkflowRun counts a workflow run reaching status.
func (m *Metrics) IncWorkflowRun(status string) {
	if m == nil {
		return
	}
	m.workflowRuns.WithLabelValues(status).Inc()
}

// IncNodeRetry counts one node retry.
func (m *Metrics) IncNodeRetry(nodeType string) {
	if m == nil {
		return
	}
	m.nodeRetries.WithLabelValues(nodeType).Inc()
}

// IncAuditDropped counts an audit entry that was not persisted.
func (m *Metrics) IncAuditDropped(reason string) {
	if m == nil {
		return
	}
	m.auditDropped.WithLabelValues(reason).Inc()
}

// Handler returns an HTTP handler serving the collectors registered with g.
// A nil g means prometheus.DefaultGatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
