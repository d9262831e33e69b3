// Package metrics provides Prometheus metrics for cigraph.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ImpactAnalysesTotal tracks impact analyses by scope and outcome
	ImpactAnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cigraph",
			Subsystem: "impact",
			Name:      "analyses_total",
			Help:      "Total number of impact analyses by scope and status",
		},
		[]string{"scope", "status"},
	)

	// ImpactAnalysisDuration tracks traversal duration in seconds
	ImpactAnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cigraph",
			Subsystem: "impact",
			Name:      "analysis_duration_seconds",
			Help:      "Duration of impact analyses in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"scope"},
	)

	// ImpactedCIs tracks blast radius size
	ImpactedCIs = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cigraph",
			Subsystem: "impact",
			Name:      "impacted_cis",
			Help:      "Number of CIs impacted per analysis",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// GateTransitionsTotal tracks change request transitions
	GateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cigraph",
			Subsystem: "gate",
			Name:      "transitions_total",
			Help:      "Total number of change request transitions by event and resulting status",
		},
		[]string{"event", "status"},
	)

	// GateEvaluationsTotal tracks gate decisions
	GateEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cigraph",
			Subsystem: "gate",
			Name:      "evaluations_total",
			Help:      "Total number of gate evaluations by decision",
		},
		[]string{"decision"},
	)

	// GatePollsActive tracks change requests with a live poll loop
	GatePollsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cigraph",
			Subsystem: "gate",
			Name:      "polls_active",
			Help:      "Number of change requests currently being polled",
		},
	)

	// HealthScore tracks the latest health sub-scores
	HealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cigraph",
			Subsystem: "health",
			Name:      "score",
			Help:      "Latest graph health score by dimension",
		},
		[]string{"dimension"},
	)

	// HealthOrphans tracks CIs without live relationships
	HealthOrphans = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cigraph",
			Subsystem: "health",
			Name:      "orphaned_cis",
			Help:      "Number of CIs without live relationships",
		},
	)

	// IngestEventsTotal tracks ingested events by kind and outcome
	IngestEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cigraph",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total number of ingested events by kind and status",
		},
		[]string{"kind", "status"},
	)

	// RelationshipsExpiredTotal tracks edges deactivated by the expiry sweep
	RelationshipsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cigraph",
			Subsystem: "graph",
			Name:      "relationships_expired_total",
			Help:      "Total number of auto-discovered relationships expired",
		},
	)

	// FederationSyncTotal tracks mirror pushes by system and outcome
	FederationSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cigraph",
			Subsystem: "federation",
			Name:      "sync_total",
			Help:      "Total number of federation sync attempts by system and status",
		},
		[]string{"system", "status"},
	)

	// HTTPRequestsTotal tracks API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cigraph",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	// HTTPRequestDuration tracks API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cigraph",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	// WorkerPoolSize tracks the AIMD-adjusted worker limit
	WorkerPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cigraph",
			Subsystem: "swarm",
			Name:      "workers",
			Help:      "Current worker pool concurrency limit",
		},
	)
)

// RecordTransition records a change request transition.
func RecordTransition(event, status string) {
	GateTransitionsTotal.WithLabelValues(event, status).Inc()
}

// RecordGateDecision records whether the gate opened.
func RecordGateDecision(open bool) {
	decision := "blocked"
	if open {
		decision = "open"
	}
	GateEvaluationsTotal.WithLabelValues(decision).Inc()
}

// RecordIngest records one ingested event.
func RecordIngest(kind, status string) {
	IngestEventsTotal.WithLabelValues(kind, status).Inc()
}

// RecordHTTPRequest records one API request.
func RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}
