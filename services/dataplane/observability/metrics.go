// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the data plane.
//
// # Description
//
// One Metrics value is constructed at startup against an explicit registry
// and passed by reference to every component (no package-level singleton,
// so tests get isolated registries). Counters and gauges cover backend
// connections, acquire latency, breaker state, cache hit/miss, rate-limit
// decisions, pipeline records, and recovery attempts.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "dataplane"

// Metrics holds every Prometheus series the data plane emits.
type Metrics struct {
	// BackendConnections tracks live sessions per backend kind.
	// Labels: kind
	BackendConnections *prometheus.GaugeVec

	// AcquireTotal counts handle checkouts by kind and outcome.
	// Labels: kind, status (ok, circuit_open, unavailable)
	AcquireTotal *prometheus.CounterVec

	// AcquireLatencySeconds measures handle checkout latency.
	// Labels: kind
	AcquireLatencySeconds *prometheus.HistogramVec

	// BreakerState exports the breaker position per kind
	// (0=closed, 1=open, 2=half_open). Labels: kind
	BreakerState *prometheus.GaugeVec

	// HealthChecksTotal counts background pings by kind and outcome.
	// Labels: kind, status (ok, failed)
	HealthChecksTotal *prometheus.CounterVec

	// CacheOpsTotal counts cache lookups by result.
	// Labels: result (hit, miss, error)
	CacheOpsTotal *prometheus.CounterVec

	// CacheEvictionsTotal counts evicted cache entries.
	CacheEvictionsTotal prometheus.Counter

	// RateLimitTotal counts limiter decisions by tier and outcome.
	// Labels: tier, decision (allowed, rejected, failopen)
	RateLimitTotal *prometheus.CounterVec

	// PipelineRecordsTotal counts processed records per pipeline.
	// Labels: pipeline_id, result (ok, failed)
	PipelineRecordsTotal *prometheus.CounterVec

	// PipelinesRunning tracks the number of live supervisor tasks.
	PipelinesRunning prometheus.Gauge

	// RecoveryAttemptsTotal counts recovery runs by operation and outcome.
	// Labels: operation, outcome (recovered, failed, skipped, exhausted)
	RecoveryAttemptsTotal *prometheus.CounterVec
}

// New creates and registers all data-plane metrics against reg.
//
// # Inputs
//
//   - reg: Target registry. Pass prometheus.DefaultRegisterer in the
//     service binary and prometheus.NewRegistry() in tests.
//
// # Limitations
//
//   - Registering twice against the same registry panics (promauto).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BackendConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "backend_connections",
				Help:      "Live backend sessions by kind",
			},
			[]string{"kind"},
		),
		AcquireTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "acquire_total",
				Help:      "Handle checkouts by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		AcquireLatencySeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "acquire_latency_seconds",
				Help:      "Handle checkout latency by kind",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"kind"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state by kind (0=closed, 1=open, 2=half_open)",
			},
			[]string{"kind"},
		),
		HealthChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "health_checks_total",
				Help:      "Background health pings by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		CacheOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cache_ops_total",
				Help:      "Cache lookups by result",
			},
			[]string{"result"},
		),
		CacheEvictionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cache_evictions_total",
				Help:      "Cache entries removed by the eviction policy",
			},
		),
		RateLimitTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rate_limit_total",
				Help:      "Rate limiter decisions by tier and outcome",
			},
			[]string{"tier", "decision"},
		),
		PipelineRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pipeline_records_total",
				Help:      "Records moved per pipeline by result",
			},
			[]string{"pipeline_id", "result"},
		),
		PipelinesRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "pipelines_running",
				Help:      "Number of live pipeline supervisor tasks",
			},
		),
		RecoveryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "recovery_attempts_total",
				Help:      "Recovery runs by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
	}
}

// NewForTest creates metrics on a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
