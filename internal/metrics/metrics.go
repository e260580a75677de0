// Package metrics holds the Prometheus collectors shared by the console packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judge_console_gateway_requests_total",
			Help: "Remote API calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	GatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "judge_console_gateway_request_seconds",
			Help:    "Remote API call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	PollTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judge_console_run_poll_ticks_total",
			Help: "Run status polls by result",
		},
		[]string{"result"},
	)

	ActiveWatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "judge_console_run_watches",
			Help: "Runs currently being polled",
		},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judge_console_evaluation_cache_lookups_total",
			Help: "Evaluation cache lookups by result (hit, miss, shared)",
		},
		[]string{"result"},
	)

	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judge_console_evaluation_cache_invalidations_total",
			Help: "Evaluation cache invalidations by reason",
		},
		[]string{"reason"},
	)

	StaleResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judge_console_stale_responses_total",
			Help: "Responses discarded because a newer request for the same key was issued",
		},
		[]string{"component"},
	)

	AssignmentFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "judge_console_assignment_fetch_fallbacks_total",
			Help: "Per-question assignment fetches that failed and rendered as empty",
		},
	)

	ArchivedRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judge_console_archived_runs_total",
			Help: "Completed runs handled by the archive worker",
		},
		[]string{"outcome"},
	)
)

// Outcome labels.
const (
	OK    = "ok"
	Error = "error"
)
