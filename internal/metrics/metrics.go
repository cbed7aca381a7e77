// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the Prometheus collectors for the coordination engine.
type Metrics struct {
	// Change detection
	EventsDetectedTotal *prometheus.CounterVec
	StoreConflictsTotal prometheus.Counter

	// Deployments
	DeploymentsTotal *prometheus.CounterVec
	DeploymentSkips  prometheus.Counter

	// Policy
	ViolationsTotal *prometheus.CounterVec

	// Branch lifecycle
	StaleBranches prometheus.Gauge

	// Poll loop
	PollDuration prometheus.Histogram
	PollErrors   prometheus.Counter
}

// New creates and registers the engine metrics. Registration happens at
// most once per process; later calls return the same set, preventing
// duplicate-collector panics.
//
// All metrics are prefixed with "gitops_".
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EventsDetectedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gitops_events_detected_total",
					Help: "Total repository change events emitted",
				},
				[]string{"type"}, // "commit_detected", "pr_opened", "pr_merged"
			),

			StoreConflictsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "gitops_store_conflicts_total",
					Help: "Total optimistic-concurrency write conflicts",
				},
			),

			DeploymentsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gitops_deployments_total",
					Help: "Total deployment triggers by terminal status",
				},
				[]string{"status"}, // "succeeded" or "failed"
			),

			DeploymentSkips: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "gitops_deployment_skips_total",
					Help: "Total merges skipped because a deployment record already existed",
				},
			),

			ViolationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gitops_policy_violations_total",
					Help: "Total policy violations observed on detected commits",
				},
				[]string{"rule"},
			),

			StaleBranches: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "gitops_stale_branches",
					Help: "Automation branches currently marked stale",
				},
			),

			PollDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "gitops_poll_duration_seconds",
					Help:    "Duration of one snapshot-diff-dispatch cycle",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
				},
			),

			PollErrors: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "gitops_poll_errors_total",
					Help: "Total poll cycles that ended in an error",
				},
			),
		}
	})

	return globalMetrics
}

// RecordEvent counts one emitted change event.
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsDetectedTotal.WithLabelValues(eventType).Inc()
}

// RecordConflict counts one store write conflict.
func (m *Metrics) RecordConflict() {
	m.StoreConflictsTotal.Inc()
}

// RecordDeployment counts one deployment reaching a terminal status.
func (m *Metrics) RecordDeployment(status string) {
	m.DeploymentsTotal.WithLabelValues(status).Inc()
}

// RecordDeploymentSkip counts one idempotency skip.
func (m *Metrics) RecordDeploymentSkip() {
	m.DeploymentSkips.Inc()
}

// RecordViolation counts one policy violation by rule.
func (m *Metrics) RecordViolation(rule string) {
	m.ViolationsTotal.WithLabelValues(rule).Inc()
}

// SetStaleBranches updates the stale branch gauge.
func (m *Metrics) SetStaleBranches(n int) {
	m.StaleBranches.Set(float64(n))
}

// ObservePoll records the duration of one poll cycle in seconds.
func (m *Metrics) ObservePoll(seconds float64) {
	m.PollDuration.Observe(seconds)
}

// RecordPollError counts one failed poll cycle.
func (m *Metrics) RecordPollError() {
	m.PollErrors.Inc()
}
