// Package metrics publishes Prometheus metrics for gateway activity. A nil
// *Recorder is a valid no-op so telemetry stays pay-per-use when disabled.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CoalesceOutcome captures how a cache miss was satisfied.
type CoalesceOutcome string

const (
	// CoalesceLeader indicates this request won the lease and fetched.
	CoalesceLeader CoalesceOutcome = "leader"
	// CoalesceWaiter indicates this request waited on another fetch.
	CoalesceWaiter CoalesceOutcome = "waiter"
	// CoalesceDirect indicates the store was unavailable and the request
	// fetched without deduplication.
	CoalesceDirect CoalesceOutcome = "direct"
)

// CacheResult captures the result of a store lookup.
type CacheResult string

const (
	CacheHit   CacheResult = "hit"
	CacheMiss  CacheResult = "miss"
	CacheStale CacheResult = "stale"
	CacheError CacheResult = "error"
)

// Recorder publishes Prometheus metrics for the request pipeline.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	cacheLookups *prometheus.CounterVec
	coalesce     *prometheus.CounterVec

	upstreamLatency *prometheus.HistogramVec

	authOutcomes *prometheus.CounterVec

	decodeFailures *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ursagate",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Total proxied requests processed by the dispatcher.",
	}, []string{"rule", "status_code", "from_cache"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ursagate",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed proxied requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"rule"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ursagate",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Shared-store cache lookups by result.",
	}, []string{"rule", "result"})

	coalesce := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ursagate",
		Subsystem: "cache",
		Name:      "coalesce_total",
		Help:      "Cache-miss resolutions by coalescing role.",
	}, []string{"rule", "role"})

	upstreamLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ursagate",
		Subsystem: "upstream",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for upstream API fetches.",
		Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"rule", "outcome"})

	authOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ursagate",
		Subsystem: "auth",
		Name:      "outcomes_total",
		Help:      "Authentication outcomes by result.",
	}, []string{"outcome"})

	decodeFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ursagate",
		Subsystem: "payload",
		Name:      "decode_failures_total",
		Help:      "Embedded payload fields that failed to decode.",
	}, []string{"rule"})

	reg.MustRegister(requests, requestLatency, cacheLookups, coalesce, upstreamLatency, authOutcomes, decodeFailures)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		requests:        requests,
		requestLatency:  requestLatency,
		cacheLookups:    cacheLookups,
		coalesce:        coalesce,
		upstreamLatency: upstreamLatency,
		authOutcomes:    authOutcomes,
		decodeFailures:  decodeFailures,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency for a completed request.
func (r *Recorder) ObserveRequest(rule string, statusCode int, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.requests.WithLabelValues(normalizeLabel(rule), strconv.Itoa(statusCode), cacheLabel).Inc()
	r.requestLatency.WithLabelValues(normalizeLabel(rule)).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a shared-store lookup.
func (r *Recorder) ObserveCacheLookup(rule string, result CacheResult) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(normalizeLabel(rule), string(result)).Inc()
}

// ObserveCoalesce records which role satisfied a cache miss.
func (r *Recorder) ObserveCoalesce(rule string, role CoalesceOutcome) {
	if r == nil {
		return
	}
	r.coalesce.WithLabelValues(normalizeLabel(rule), string(role)).Inc()
}

// ObserveUpstreamFetch records one upstream API call.
func (r *Recorder) ObserveUpstreamFetch(rule, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.upstreamLatency.WithLabelValues(normalizeLabel(rule), normalizeLabel(outcome)).Observe(duration.Seconds())
}

// ObserveAuth records one authentication outcome.
func (r *Recorder) ObserveAuth(outcome string) {
	if r == nil {
		return
	}
	r.authOutcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveDecodeFailure records a field-level payload decode failure.
func (r *Recorder) ObserveDecodeFailure(rule string) {
	if r == nil {
		return
	}
	r.decodeFailures.WithLabelValues(normalizeLabel(rule)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
