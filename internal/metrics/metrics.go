package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Backend identifies which side of the store served an operation.
type Backend string

const (
	// BackendRemote marks operations served by the remote cache service.
	BackendRemote Backend = "remote"
	// BackendLocal marks operations served by the in-process fallback map.
	BackendLocal Backend = "local"
)

// StoreResult captures the result of a store operation.
type StoreResult string

const (
	// StoreResultOK indicates the operation completed.
	StoreResultOK StoreResult = "ok"
	// StoreResultMiss indicates a read found no live value.
	StoreResultMiss StoreResult = "miss"
	// StoreResultError indicates the backend failed the operation.
	StoreResultError StoreResult = "error"
)

// CacheLookupOutcome captures the result of a response cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates a cached response was returned.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no usable cached response was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupDisabled indicates caching is switched off for the tenant.
	CacheLookupDisabled CacheLookupOutcome = "disabled"
)

// RateLimitOutcome captures the decision made by the rate limiter.
type RateLimitOutcome string

const (
	// RateLimitAllowed indicates the request fit every window.
	RateLimitAllowed RateLimitOutcome = "allowed"
	// RateLimitDenied indicates a window threshold was exceeded.
	RateLimitDenied RateLimitOutcome = "denied"
	// RateLimitBlocked indicates an unexpired block record rejected the request.
	RateLimitBlocked RateLimitOutcome = "blocked"
)

// Recorder publishes Prometheus metrics for store, cache and limiter activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	storeOperations *prometheus.CounterVec
	storeFallbacks  *prometheus.CounterVec
	remoteAvailable prometheus.Gauge

	cacheLookups   *prometheus.CounterVec
	cacheEvictions prometheus.Counter

	rateLimitDecisions *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fallbackkv",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Key-value store operations by serving backend.",
	}, []string{"backend", "operation", "result"})

	storeFallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fallbackkv",
		Subsystem: "store",
		Name:      "fallbacks_total",
		Help:      "Remote failures that switched the store to the local map.",
	}, []string{"operation"})

	remoteAvailable := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fallbackkv",
		Subsystem: "store",
		Name:      "remote_available",
		Help:      "1 when the remote cache service is considered reachable.",
	})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fallbackkv",
		Subsystem: "responsecache",
		Name:      "lookups_total",
		Help:      "Response cache lookups by result.",
	}, []string{"result"})

	cacheEvictions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fallbackkv",
		Subsystem: "responsecache",
		Name:      "evictions_total",
		Help:      "Entries evicted from the local fallback to respect maxSize.",
	})

	rateLimitDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fallbackkv",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter decisions by outcome.",
	}, []string{"outcome"})

	reg.MustRegister(storeOperations, storeFallbacks, remoteAvailable, cacheLookups, cacheEvictions, rateLimitDecisions)

	return &Recorder{
		gatherer:           reg,
		handler:            promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		storeOperations:    storeOperations,
		storeFallbacks:     storeFallbacks,
		remoteAvailable:    remoteAvailable,
		cacheLookups:       cacheLookups,
		cacheEvictions:     cacheEvictions,
		rateLimitDecisions: rateLimitDecisions,
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

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveStoreOperation records a single store call and the backend that served it.
func (r *Recorder) ObserveStoreOperation(backend Backend, operation string, result StoreResult) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(StoreResultOK)
	}
	r.storeOperations.WithLabelValues(normalizeLabel(string(backend)), normalizeLabel(operation), resultLabel).Inc()
}

// ObserveFallback records a remote failure that demoted the store to local mode.
func (r *Recorder) ObserveFallback(operation string) {
	if r == nil {
		return
	}
	r.storeFallbacks.WithLabelValues(normalizeLabel(operation)).Inc()
}

// SetRemoteAvailable publishes the last known remote availability.
func (r *Recorder) SetRemoteAvailable(available bool) {
	if r == nil {
		return
	}
	if available {
		r.remoteAvailable.Set(1)
		return
	}
	r.remoteAvailable.Set(0)
}

// ObserveCacheLookup records the result of a response cache lookup.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.cacheLookups.WithLabelValues(resultLabel).Inc()
}

// ObserveCacheEvictions adds n evicted entries.
func (r *Recorder) ObserveCacheEvictions(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.cacheEvictions.Add(float64(n))
}

// ObserveRateLimit records a limiter decision.
func (r *Recorder) ObserveRateLimit(outcome RateLimitOutcome) {
	if r == nil {
		return
	}
	r.rateLimitDecisions.WithLabelValues(normalizeLabel(string(outcome))).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
