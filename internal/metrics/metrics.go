// Package metrics exports Prometheus metrics for the control plane.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the control plane's Prometheus collectors.
type Metrics struct {
	DeploymentsCreated prometheus.Counter
	Transitions        *prometheus.CounterVec
	Failures           *prometheus.CounterVec
	Rollbacks          prometheus.Counter
	InstallDuration    prometheus.Histogram
	ActiveInstalls     prometheus.Gauge
	QueueDepth         prometheus.Gauge
}

// New creates the metric set under the given namespace and registers it with
// the default registry.
func New(namespace string) *Metrics {
	return &Metrics{
		DeploymentsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_created_total",
				Help:      "Total deployments created",
			},
		),
		Transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_transitions_total",
				Help:      "Total deployment status transitions",
			},
			[]string{"to"},
		),
		Failures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_failures_total",
				Help:      "Total deployment failures by install phase",
			},
			[]string{"phase"},
		),
		Rollbacks: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_rollbacks_total",
				Help:      "Total rollbacks executed",
			},
		),
		InstallDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "install_duration_seconds",
				Help:      "Install duration from dequeue to terminal state",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
		),
		ActiveInstalls: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_installs",
				Help:      "Installs currently being processed by workers",
			},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "install_queue_depth",
				Help:      "Pending jobs in the install queue",
			},
		),
	}
}

// RecordTransition counts a status transition.
func (m *Metrics) RecordTransition(to string) {
	m.Transitions.WithLabelValues(to).Inc()
}

// RecordFailure counts a failed install by phase.
func (m *Metrics) RecordFailure(phase string) {
	m.Failures.WithLabelValues(phase).Inc()
}

// RecordInstall observes a finished install.
func (m *Metrics) RecordInstall(duration time.Duration) {
	m.InstallDuration.Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
