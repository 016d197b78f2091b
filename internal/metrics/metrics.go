// Package metrics holds the prometheus instrumentation shared by the
// ingress, the engine and the LLM router.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles the collectors on one registry so tests can run isolated
// instances.
type Set struct {
	registry *prometheus.Registry

	EventsTotal  *prometheus.CounterVec
	RunsTotal    *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	RunCostUSD   *prometheus.CounterVec
	QueueDepth   prometheus.Gauge
}

func New() *Set {
	s := &Set{
		registry: prometheus.NewRegistry(),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopr_events_total",
			Help: "Webhook events by source and dedup outcome.",
		}, []string{"source", "dedup"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopr_runs_total",
			Help: "Workflow runs by terminal status.",
		}, []string{"status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autopr_step_duration_seconds",
			Help:    "Step wall time by action and terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
		}, []string{"action", "status"}),
		RunCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopr_run_cost_usd_total",
			Help: "LLM spend by workflow.",
		}, []string{"workflow"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autopr_ingress_queue_depth",
			Help: "Work items waiting for an engine worker.",
		}),
	}
	s.registry.MustRegister(
		s.EventsTotal, s.RunsTotal, s.StepDuration, s.RunCostUSD, s.QueueDepth,
	)
	return s
}

// Handler serves the registry for GET /metrics.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry so tests can Gather.
func (s *Set) Registry() *prometheus.Registry { return s.registry }
