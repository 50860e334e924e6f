// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DriveRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brify_drive_requests_total",
			Help: "Drive API calls by operation and outcome",
		},
		[]string{"operation", "outcome"}, // outcome: ok, error, not_found, unauthorized
	)

	DriveRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brify_drive_request_duration_seconds",
			Help:    "Drive API call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DriveNodesQuarantined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brify_drive_nodes_quarantined_total",
			Help: "Drive listing entries skipped because they failed validation",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	SyncDiscrepancies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brify_sync_discrepancies_total",
			Help: "Discrepancies found by detection runs",
		},
		[]string{"kind"},
	)

	SyncActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brify_sync_actions_total",
			Help: "Applied sync actions by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: applied, skipped, failed
	)

	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brify_sync_run_duration_seconds",
			Help:    "Duration of detect and apply runs",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 180, 600},
		},
		[]string{"phase"},
	)

	EmbeddingTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brify_embedding_tokens_total",
			Help: "Estimated tokens sent to the embedding service",
		},
	)

	EmbeddingCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brify_embedding_cache_total",
			Help: "Embedding cache lookups",
		},
		[]string{"result"}, // hit, miss
	)
)
