// Package metrics holds the process's Prometheus collectors, kept on a
// dedicated registry so the exposition endpoint carries only this
// server's series.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the server updates from its hook points.
type Metrics struct {
	Registry *prometheus.Registry

	ContainersTotal     *prometheus.CounterVec
	ContainersActive    prometheus.Gauge
	ExecsTotal          *prometheus.CounterVec
	ExecDuration        prometheus.Histogram
	ExecsActive         prometheus.Gauge
	ConcurrencyRejected *prometheus.CounterVec
	FSOperations        *prometheus.CounterVec
	FSOperationBytes    *prometheus.HistogramVec
	WarmPoolSize        prometheus.Gauge
	WarmPoolClaims      *prometheus.CounterVec
	PolicyRejections    *prometheus.CounterVec
	RuntimeOpDuration   *prometheus.HistogramVec
	ReconcileErrors     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ContainersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devbench",
				Name:      "containers_total",
				Help:      "Total containers spawned, by outcome.",
			},
			[]string{"outcome"},
		),
		ContainersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "devbench",
				Name:      "containers_active",
				Help:      "Number of containers currently running.",
			},
		),
		ExecsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devbench",
				Name:      "execs_total",
				Help:      "Total commands executed, by terminal status.",
			},
			[]string{"status"},
		),
		ExecDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "devbench",
				Name:      "exec_duration_seconds",
				Help:      "Wall-clock duration of completed execs.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 900},
			},
		),
		ExecsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "devbench",
				Name:      "execs_active",
				Help:      "Number of execs currently running.",
			},
		),
		ConcurrencyRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devbench",
				Name:      "exec_concurrency_rejected_total",
				Help:      "exec_start calls rejected for exceeding the per-container concurrency limit.",
			},
			[]string{"container_id"},
		),
		FSOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devbench",
				Name:      "fs_operations_total",
				Help:      "Workspace filesystem operations, by kind and outcome.",
			},
			[]string{"op", "outcome"},
		),
		FSOperationBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "devbench",
				Name:      "fs_operation_bytes",
				Help:      "Bytes transferred per filesystem operation.",
				Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
			},
			[]string{"op"},
		),
		WarmPoolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "devbench",
				Name:      "warm_pool_size",
				Help:      "Number of containers currently sitting in the warm pool.",
			},
		),
		WarmPoolClaims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devbench",
				Name:      "warm_pool_claims_total",
				Help:      "spawn requests satisfied from the warm pool vs. a cold create.",
			},
			[]string{"source"},
		),
		PolicyRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devbench",
				Name:      "policy_rejections_total",
				Help:      "Requests rejected by image/registry allow-list policy.",
			},
			[]string{"reason"},
		),
		RuntimeOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "devbench",
				Name:      "runtime_operation_duration_seconds",
				Help:      "Duration of Runtime Adapter calls to the container daemon.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"operation"},
		),
		ReconcileErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devbench",
				Name:      "reconcile_errors_total",
				Help:      "Errors encountered during boot reconciliation or periodic maintenance.",
			},
			[]string{"worker"},
		),
	}

	reg.MustRegister(
		m.ContainersTotal, m.ContainersActive, m.ExecsTotal, m.ExecDuration, m.ExecsActive,
		m.ConcurrencyRejected, m.FSOperations, m.FSOperationBytes, m.WarmPoolSize, m.WarmPoolClaims,
		m.PolicyRejections, m.RuntimeOpDuration, m.ReconcileErrors,
	)

	return m
}

func (m *Metrics) RecordSpawn(outcome string) {
	m.ContainersTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordExec(status string, durationSeconds float64) {
	m.ExecsTotal.WithLabelValues(status).Inc()
	m.ExecDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordConcurrencyRejected(containerID string) {
	m.ConcurrencyRejected.WithLabelValues(containerID).Inc()
}

func (m *Metrics) RecordFSOperation(op, outcome string, bytes int) {
	m.FSOperations.WithLabelValues(op, outcome).Inc()
	if bytes > 0 {
		m.FSOperationBytes.WithLabelValues(op).Observe(float64(bytes))
	}
}

func (m *Metrics) RecordWarmPoolClaim(source string) {
	m.WarmPoolClaims.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordPolicyRejection(reason string) {
	m.PolicyRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReconcileError(worker string) {
	m.ReconcileErrors.WithLabelValues(worker).Inc()
}
