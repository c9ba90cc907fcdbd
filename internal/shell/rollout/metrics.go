// Package rollout drives a multi-stage swarm deployment: it ensures cluster
// resources, deploys units layer by layer, waits for readiness, and hands
// deployed units to the control plane.
// This is part of the Imperative Shell - all operations perform I/O.
package rollout

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// =============================================================================
// Metrics
// =============================================================================

// Metrics holds the run counters. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	unitDeploys   *prometheus.CounterVec
	readiness     *prometheus.CounterVec
	readinessWait prometheus.Histogram
	resources     *prometheus.CounterVec
	reconcile     *prometheus.CounterVec
	runDuration   prometheus.Gauge
	runSucceeded  prometheus.Gauge
}

// NewMetrics registers the run metrics on reg. A nil reg gets a fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		unitDeploys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stackup",
				Subsystem: "rollout",
				Name:      "unit_deploys_total",
				Help:      "Unit deployments by outcome",
			},
			[]string{"outcome"},
		),
		readiness: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stackup",
				Subsystem: "rollout",
				Name:      "readiness_total",
				Help:      "Readiness checks by outcome",
			},
			[]string{"outcome"},
		),
		readinessWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "stackup",
				Subsystem: "rollout",
				Name:      "readiness_wait_seconds",
				Help:      "Time spent waiting for a unit to become ready",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5min
			},
		),
		resources: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stackup",
				Subsystem: "provisioner",
				Name:      "resources_total",
				Help:      "Resource ensure calls by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		reconcile: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stackup",
				Subsystem: "reconciler",
				Name:      "steps_total",
				Help:      "Reconciliation steps by step and outcome",
			},
			[]string{"step", "outcome"},
		),
		runDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "stackup",
				Name:      "last_run_duration_seconds",
				Help:      "Duration of the last run",
			},
		),
		runSucceeded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "stackup",
				Name:      "last_run_success",
				Help:      "Whether the last run finished without failures (1) or not (0)",
			},
		),
	}

	reg.MustRegister(
		m.unitDeploys,
		m.readiness,
		m.readinessWait,
		m.resources,
		m.reconcile,
		m.runDuration,
		m.runSucceeded,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) deployOutcome(outcome string) {
	if m == nil {
		return
	}
	m.unitDeploys.WithLabelValues(outcome).Inc()
}

func (m *Metrics) readinessOutcome(outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.readiness.WithLabelValues(outcome).Inc()
	if outcome != "no_probe" {
		m.readinessWait.Observe(waited.Seconds())
	}
}

func (m *Metrics) resourceOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.resources.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) reconcileOutcome(step, outcome string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) runFinished(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.runDuration.Set(d.Seconds())
	if ok {
		m.runSucceeded.Set(1)
	} else {
		m.runSucceeded.Set(0)
	}
}

// Push sends the registry to a Prometheus Pushgateway under job.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(m.registry).PushContext(ctx)
}
