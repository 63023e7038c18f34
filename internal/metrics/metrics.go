// Package metrics provides Prometheus instrumentation for Kestrel.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

var (
	// TransactionsProcessed counts scored transactions by outcome
	// (approved, alert, deduplicated, rejected, failed).
	TransactionsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_processed_total",
			Help:      "Total transactions processed by outcome.",
		},
		[]string{"outcome"},
	)

	// AlertsRaised counts newly created alerts.
	AlertsRaised = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_raised_total",
		Help:      "Total alerts created.",
	})

	// AlertsDeduplicated counts alert-eligible scores folded into an open alert.
	AlertsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_deduplicated_total",
		Help:      "Total alert-eligible transactions linked to an existing open alert.",
	})

	// AlertTransitions counts analyst status changes by target status.
	AlertTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_transitions_total",
			Help:      "Total alert status transitions by target status.",
		},
		[]string{"status"},
	)

	// ScoringLatency observes end-to-end scoring time.
	ScoringLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scoring_latency_seconds",
		Help:      "End-to-end transaction scoring latency in seconds.",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.03, 0.04, 0.05, 0.075, 0.1, 0.25, 0.5, 1},
	})

	// ExplanationLatency observes explanation generation time.
	ExplanationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "explanation_latency_seconds",
		Help:      "Explanation generation latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	})

	// ModelUnavailable counts scores where a model failed to produce a value.
	ModelUnavailable = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_unavailable_total",
			Help:      "Total model evaluations that failed, by model.",
		},
		[]string{"model"},
	)

	// DegradedResults counts degraded scores by reason.
	DegradedResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_results_total",
			Help:      "Total degraded scoring results by reason.",
		},
		[]string{"reason"},
	)

	// MalformedTransactions counts rejected input by field.
	MalformedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_transactions_total",
			Help:      "Total transactions rejected as malformed, by offending field.",
		},
		[]string{"reason"},
	)

	// OutboxRetries counts delivery retries of write-behind events.
	OutboxRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_retries_total",
			Help:      "Total outbox delivery retries by event kind.",
		},
		[]string{"kind"},
	)

	// OutboxDeadLetters counts events that exhausted their retries.
	OutboxDeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dead_letters_total",
			Help:      "Total outbox events moved to the dead-letter queue, by event kind.",
		},
		[]string{"kind"},
	)

	// OutboxDepth tracks events waiting for delivery.
	OutboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_depth",
		Help:      "Number of outbox events waiting for delivery.",
	})

	// BundleReloads counts model bundle reloads by result.
	BundleReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_reloads_total",
			Help:      "Total model bundle reloads by result.",
		},
		[]string{"result"},
	)

	// IngestMessages counts stream messages by result.
	IngestMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_messages_total",
			Help:      "Total ingestion stream messages by result.",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, route and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(
		TransactionsProcessed,
		AlertsRaised,
		AlertsDeduplicated,
		AlertTransitions,
		ScoringLatency,
		ExplanationLatency,
		ModelUnavailable,
		DegradedResults,
		MalformedTransactions,
		OutboxRetries,
		OutboxDeadLetters,
		OutboxDepth,
		BundleReloads,
		IngestMessages,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Middleware records request metrics labelled with the chi route pattern,
// not the raw path, to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, route, statusBucket(status)).Inc()
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into classes.
func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
