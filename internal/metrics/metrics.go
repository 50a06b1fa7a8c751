// Package metrics provides Prometheus metrics for the docflow engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts executions by final status.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Total number of executions by final status",
		},
		[]string{"status"}, // "completed", "failed", "canceled"
	)

	// ExecutionsActive tracks currently running executions.
	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docflow",
			Subsystem: "engine",
			Name:      "executions_active",
			Help:      "Number of currently running executions",
		},
	)

	// ExecutionDuration tracks execution wall time.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 1800, 3600, 86400, 604800},
		},
		[]string{"status"},
	)

	// StepsTotal counts steps executed by status.
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "engine",
			Name:      "steps_total",
			Help:      "Total number of steps executed by status",
		},
		[]string{"kind", "status"},
	)

	// StepDuration tracks step execution duration.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// StepRetries tracks retry attempts per step.
	StepRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "engine",
			Name:      "step_retries",
			Help:      "Number of retry attempts per step",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"final_status"},
	)

	// PausesActive tracks outstanding pause requests.
	PausesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docflow",
			Subsystem: "engine",
			Name:      "pauses_active",
			Help:      "Number of unresolved pause requests",
		},
	)

	// SignalsTotal counts delivered signals by outcome.
	SignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "engine",
			Name:      "signals_total",
			Help:      "Total number of delivered signals",
		},
		[]string{"result"}, // "resumed", "rejected_decision", "duplicate", "rejected"
	)

	// PauseExpiriesTotal counts pause expirations by resolution.
	PauseExpiriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "engine",
			Name:      "pause_expiries_total",
			Help:      "Total number of expired pauses",
		},
		[]string{"resolution"}, // "auto_resolved", "failed"
	)

	// PreflightIssuesTotal counts preflight findings by domain and severity.
	PreflightIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "engine",
			Name:      "preflight_issues_total",
			Help:      "Total number of preflight issues found",
		},
		[]string{"domain", "severity"},
	)

	// EventsTotal counts events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Total number of events emitted",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open event streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docflow",
			Subsystem: "api",
			Name:      "sse_active_connections",
			Help:      "Number of open SSE connections",
		},
	)

	// SSEConnectionDuration tracks how long event streams stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "api",
			Name:      "sse_connection_duration_seconds",
			Help:      "SSE connection duration in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 1800, 3600},
		},
	)
)
