// Package metrics exposes Prometheus metrics for the tool pipeline. A
// Metrics value is the executor's Recorder, the provider registry's
// Observer and the audit logger's Observer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolgate"

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline metrics
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec
	StageVerdictsTotal    *prometheus.CounterVec
	OutputTruncatedTotal  *prometheus.CounterVec

	// Scoring metrics
	TrustScore                  *prometheus.GaugeVec
	AnomalyClassificationsTotal *prometheus.CounterVec

	// Provider metrics
	SessionTransitionsTotal *prometheus.CounterVec
	SessionsActive          prometheus.Gauge

	// Audit metrics
	AuditWritesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ToolExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_executions_total",
				Help:      "Total number of tool calls by outcome",
			},
			[]string{"tool", "origin", "outcome"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_execution_duration_seconds",
				Help:      "Duration of tool calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool", "origin"},
		),
		StageVerdictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_verdicts_total",
				Help:      "Pipeline stage verdicts",
			},
			[]string{"stage", "verdict"},
		),
		OutputTruncatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "output_truncated_total",
				Help:      "Tool outputs truncated by the output filter",
			},
			[]string{"tool"},
		),
		TrustScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "trust_score",
				Help:      "Current trust score per origin",
			},
			[]string{"origin"},
		),
		AnomalyClassificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomaly_classifications_total",
				Help:      "Anomaly classifications per origin",
			},
			[]string{"origin", "class"},
		),
		SessionTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_session_transitions_total",
				Help:      "Provider session state transitions",
			},
			[]string{"provider", "from", "to"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_sessions_ready",
				Help:      "Number of provider sessions in the ready state",
			},
		),
		AuditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_writes_total",
				Help:      "Audit entry writes by result (written, dropped, failed)",
			},
			[]string{"result"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.ToolExecutionsTotal)
	m.registry.MustRegister(m.ToolExecutionDuration)
	m.registry.MustRegister(m.StageVerdictsTotal)
	m.registry.MustRegister(m.OutputTruncatedTotal)

	m.registry.MustRegister(m.TrustScore)
	m.registry.MustRegister(m.AnomalyClassificationsTotal)

	m.registry.MustRegister(m.SessionTransitionsTotal)
	m.registry.MustRegister(m.SessionsActive)

	m.registry.MustRegister(m.AuditWritesTotal)
}

// ObserveExecution records one finished call.
func (m *Metrics) ObserveExecution(toolName, origin, outcome string, duration time.Duration) {
	m.ToolExecutionsTotal.WithLabelValues(toolName, origin, outcome).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName, origin).Observe(duration.Seconds())
}

// ObserveStage records one stage verdict.
func (m *Metrics) ObserveStage(stage, verdict string) {
	m.StageVerdictsTotal.WithLabelValues(stage, verdict).Inc()
}

// ObserveTrust records an origin's score after an update.
func (m *Metrics) ObserveTrust(origin string, score float64) {
	m.TrustScore.WithLabelValues(origin).Set(score)
}

// ObserveAnomaly records a classification.
func (m *Metrics) ObserveAnomaly(origin, class string) {
	m.AnomalyClassificationsTotal.WithLabelValues(origin, class).Inc()
}

// ObserveTruncation records a truncated output.
func (m *Metrics) ObserveTruncation(toolName string) {
	m.OutputTruncatedTotal.WithLabelValues(toolName).Inc()
}

// ObserveSessionTransition records a provider session transition.
func (m *Metrics) ObserveSessionTransition(providerID, from, to string) {
	m.SessionTransitionsTotal.WithLabelValues(providerID, from, to).Inc()
	if to == "ready" {
		m.SessionsActive.Inc()
	}
	if from == "ready" {
		m.SessionsActive.Dec()
	}
}

// ObserveAudit records an audit write result.
func (m *Metrics) ObserveAudit(result string) {
	m.AuditWritesTotal.WithLabelValues(result).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
