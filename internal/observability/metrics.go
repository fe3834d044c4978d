package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	generationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_generation_total",
			Help: "Total number of query generation attempts by backend family.",
		},
		[]string{"family", "outcome"},
	)
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_cache_lookups_total",
			Help: "Cache lookups by namespace and outcome.",
		},
		[]string{"namespace", "outcome"},
	)
	translationRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querymesh_translation_retries_total",
			Help: "Total number of retried translation calls after transient provider failures.",
		},
	)
	executionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querymesh_execution_duration_seconds",
			Help:    "Query execution latency by backend family and status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"family", "status"},
	)
	executionRowsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querymesh_execution_rows_returned",
			Help:    "Materialized row counts per execution.",
			Buckets: []float64{1, 10, 100, 1000, 10000, 100000},
		},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_http_requests_total",
			Help: "Total HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querymesh_http_request_duration_seconds",
			Help:    "HTTP request latency by method, path, and status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querymesh_auth_failures_total",
			Help: "Rejected requests by failure reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		generationTotal,
		cacheLookupsTotal,
		translationRetriesTotal,
		executionDurationSeconds,
		executionRowsReturned,
		httpRequestsTotal,
		httpRequestDurationSeconds,
		authFailuresTotal,
	)
}

func IncrementAuthFailure(reason string) {
	authFailuresTotal.WithLabelValues(reason).Inc()
}

func ObserveGeneration(family string, failed bool) {
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	generationTotal.WithLabelValues(family, outcome).Inc()
}

func ObserveCacheLookup(namespace string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookupsTotal.WithLabelValues(namespace, outcome).Inc()
}

func IncrementTranslationRetry() {
	translationRetriesTotal.Inc()
}

func ObserveExecution(family, status string, rows int, elapsed time.Duration) {
	executionDurationSeconds.WithLabelValues(family, status).Observe(elapsed.Seconds())
	if rows >= 0 {
		executionRowsReturned.Observe(float64(rows))
	}
}
