// Package metrics exposes prometheus instrumentation for the
// deployment pipeline and the status hub.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors used across the control plane. A nil
// *Metrics is valid and records nothing, so tests can omit it.
type Metrics struct {
	stepTransitions     *prometheus.CounterVec
	pipelineRuns        *prometheus.CounterVec
	pipelineDuration    prometheus.Histogram
	activeSubscriptions prometheus.Gauge
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelplane",
			Name:      "step_transitions_total",
			Help:      "Deployment step transitions by resulting status.",
		}, []string{"status"}),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelplane",
			Name:      "pipeline_runs_total",
			Help:      "Completed pipeline runs by outcome.",
		}, []string{"outcome"}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "modelplane",
			Name:      "pipeline_duration_seconds",
			Help:      "Wall-clock duration of one deployment pipeline run.",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 10),
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modelplane",
			Name:      "active_status_subscriptions",
			Help:      "Live status-stream subscriptions.",
		}),
	}

	reg.MustRegister(
		m.stepTransitions,
		m.pipelineRuns,
		m.pipelineDuration,
		m.activeSubscriptions,
	)
	return m
}

// StepTransition records one step status change.
func (m *Metrics) StepTransition(status string) {
	if m == nil {
		return
	}
	m.stepTransitions.WithLabelValues(status).Inc()
}

// PipelineRun records a finished run and its duration.
func (m *Metrics) PipelineRun(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(outcome).Inc()
	m.pipelineDuration.Observe(elapsed.Seconds())
}

// SubscriptionOpened increments the live-subscription gauge.
func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Inc()
}

// SubscriptionClosed decrements the live-subscription gauge.
func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Dec()
}
