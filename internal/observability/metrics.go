package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (dashboard refresh storms).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// Reading store call rate by outcome. Watch for: error vs success ratio.
	StoreCallsTotal *prometheus.CounterVec

	// Reading store latency. Watch for: p95 > 2s (store degradation).
	StoreCallDuration *prometheus.HistogramVec

	// Retry attempts against the reading store. High values mean an unstable upstream.
	StoreRetriesTotal prometheus.Counter

	// Store failures by category (see client.CategorizeError).
	StoreErrorsTotal *prometheus.CounterVec

	// Reading cache hits by kind (fresh, stale).
	CacheHitsTotal *prometheus.CounterVec

	// Reading cache errors by operation and category.
	CacheErrorsTotal *prometheus.CounterVec

	// Fetches that joined an in-flight fetch for the same key.
	CoalescedFetchesTotal prometheus.Counter

	// Completed fetches discarded because a newer request for the location had committed.
	SupersededFetchesTotal prometheus.Counter

	// Dashboard lookups per location (allow-list; others go to "other").
	DashboardQueriesByLocationTotal *prometheus.CounterVec

	// Classified values by metric and band label.
	ClassificationsTotal *prometheus.CounterVec

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state (0 closed, 1 open, 2 half-open) and transitions.
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerTransitions *prometheus.CounterVec

	// Cache warming runs, failures and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Ingested sensor messages by outcome (stored, invalid, store_error).
	IngestMessagesTotal *prometheus.CounterVec

	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	StoreCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readingStoreCallsTotal",
			Help: "Total number of reading store calls",
		},
		[]string{"status"},
	)
	StoreCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "readingStoreDurationSeconds",
			Help:    "Reading store latency in seconds (per call)",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	StoreRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "readingStoreRetriesTotal",
			Help: "Total number of retry attempts for reading store calls",
		},
	)
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readingStoreErrorsTotal",
			Help: "Reading store failures by category",
		},
		[]string{"category"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of reading cache hits",
		},
		[]string{"kind"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Reading cache errors by operation and category",
		},
		[]string{"operation", "category"},
	)
	CoalescedFetchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedFetchesTotal",
			Help: "Fetches served by joining an in-flight fetch for the same key",
		},
	)
	SupersededFetchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "supersededFetchesTotal",
			Help: "Completed fetches discarded because a newer request had committed",
		},
	)
	DashboardQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboardQueriesByLocationTotal",
			Help: "Dashboard queries by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	ClassificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classificationsTotal",
			Help: "Classified values by metric and band",
		},
		[]string{"metric", "band"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed location",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30},
		},
	)
	IngestMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestMessagesTotal",
			Help: "Sensor messages received over MQTT by outcome",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		StoreCallsTotal, StoreCallDuration, StoreRetriesTotal, StoreErrorsTotal,
		CacheHitsTotal, CacheErrorsTotal,
		CoalescedFetchesTotal, SupersededFetchesTotal,
		DashboardQueriesByLocationTotal, ClassificationsTotal,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitions,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		IngestMessagesTotal,
	)
}

// RecordCircuitBreakerTransition counts a transition and updates the state gauge.
// state is the numeric value of the target state.
func RecordCircuitBreakerTransition(component, from, to string, state int) {
	CircuitBreakerTransitions.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// MetricLocationLabel returns loc if tracked, otherwise "other", bounding label cardinality.
func MetricLocationLabel(location string) string {
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc] // nil map read is safe in Go
	trackedLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

// RecordDashboardQuery records a dashboard lookup for the given location.
func RecordDashboardQuery(location string) {
	DashboardQueriesByLocationTotal.WithLabelValues(MetricLocationLabel(location)).Inc()
}

func normalizeLocationForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
