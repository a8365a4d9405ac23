// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tiprelay_active_sessions",
			Help: "Number of monitoring sessions currently registered",
		},
	)

	SessionLifecycle = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiprelay_session_lifecycle_events_total",
			Help: "Lifecycle events emitted by the orchestrator",
		},
		[]string{"type"},
	)

	SessionRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tiprelay_session_restarts_total",
			Help: "Restart requests executed by the restart sweep",
		},
	)

	// Ingestion
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiprelay_messages_received_total",
			Help: "Inbound chat messages by dispatch outcome",
		},
		[]string{"outcome"}, // "ignored", "filtered", "unclassified", "detected", "error"
	)

	// Queue
	QueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiprelay_queue_enqueued_total",
			Help: "Queue items enqueued by priority",
		},
		[]string{"priority"},
	)

	QueueTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiprelay_queue_transitions_total",
			Help: "Queue item status transitions",
		},
		[]string{"status"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tiprelay_queue_depth",
			Help: "Items held in memory by the queue",
		},
		[]string{"state"}, // "ready", "delayed"
	)

	QueuePurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tiprelay_queue_purged_total",
			Help: "Finished queue items removed by the retention sweep",
		},
	)

	ProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tiprelay_queue_process_duration_seconds",
			Help:    "Time spent processing one queue item",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Replies
	Replies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiprelay_replies_total",
			Help: "Private replies by correlation outcome",
		},
		[]string{"outcome"},
	)

	CorrelationEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tiprelay_correlation_entries",
			Help: "Entries saved minus entries removed since start",
		},
	)

	// Circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tiprelay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// Management API
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiprelay_http_requests_total",
			Help: "Management API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tiprelay_http_request_duration_seconds",
			Help:    "Management API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
