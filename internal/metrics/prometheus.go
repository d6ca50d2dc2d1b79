package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the private Prometheus registry for the routing core.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Forwarder
	forwardAttemptsTotal  *prometheus.CounterVec
	forwardRetryTotal     *prometheus.CounterVec
	forwardFailoverTotal  *prometheus.CounterVec
	forwardDuration       *prometheus.HistogramVec
	activeConnections     *prometheus.GaugeVec

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec

	// Routing policy
	routingDecisionsTotal *prometheus.CounterVec
	digestCacheHitsTotal  *prometheus.CounterVec

	// RAG / vector index
	ragRetrievalDuration  *prometheus.HistogramVec
	vectorUpsertTotal     *prometheus.CounterVec
	vectorSearchDuration  *prometheus.HistogramVec

	uptime prometheus.GaugeFunc
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem against a
// fresh private registry, mirroring the teacher's namespaced-collector shape.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		forwardAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forward_attempts_total",
				Help:      "Total forwarded requests by type and outcome",
			},
			[]string{"request_type", "outcome"},
		),

		forwardRetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forward_retry_total",
				Help:      "Total forward retries by request type",
			},
			[]string{"request_type"},
		),

		forwardFailoverTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forward_failover_total",
				Help:      "Total horizontal failovers to an alternate node",
			},
			[]string{"request_type"},
		),

		forwardDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "forward_duration_milliseconds",
				Help:      "Duration of forwarded requests in milliseconds",
				Buckets:   buckets,
			},
			[]string{"request_type", "outcome"},
		),

		activeConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "In-flight forwarded requests per node",
			},
			[]string{"node_slug"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"node_slug"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions",
			},
			[]string{"node_slug", "to_state"},
		),

		routingDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routing_decisions_total",
				Help:      "Total routing decisions by action",
			},
			[]string{"action", "path"},
		),

		digestCacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "digest_cache_total",
				Help:      "Digest cache lookups by result",
			},
			[]string{"result"},
		),

		ragRetrievalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rag_retrieval_duration_milliseconds",
				Help:      "Duration of RAG retrieval in milliseconds",
				Buckets:   buckets,
			},
			[]string{"collection"},
		),

		vectorUpsertTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vector_upsert_total",
				Help:      "Total vector points upserted by collection",
			},
			[]string{"collection"},
		),

		vectorSearchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vector_search_duration_milliseconds",
				Help:      "Duration of vector search calls in milliseconds",
				Buckets:   buckets,
			},
			[]string{"collection"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.forwardAttemptsTotal,
		pm.forwardRetryTotal,
		pm.forwardFailoverTotal,
		pm.forwardDuration,
		pm.activeConnections,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
		pm.routingDecisionsTotal,
		pm.digestCacheHitsTotal,
		pm.ragRetrievalDuration,
		pm.vectorUpsertTotal,
		pm.vectorSearchDuration,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordForwardAttempt records the outcome of a single forwarded request.
func RecordForwardAttempt(requestType, outcome string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.forwardAttemptsTotal.WithLabelValues(requestType, outcome).Inc()
	promMetrics.forwardDuration.WithLabelValues(requestType, outcome).Observe(float64(durationMs))
}

// RecordForwardRetry increments the retry counter for a request type.
func RecordForwardRetry(requestType string) {
	if promMetrics == nil {
		return
	}
	promMetrics.forwardRetryTotal.WithLabelValues(requestType).Inc()
}

// RecordForwardFailover increments the horizontal-failover counter.
func RecordForwardFailover(requestType string) {
	if promMetrics == nil {
		return
	}
	promMetrics.forwardFailoverTotal.WithLabelValues(requestType).Inc()
}

// IncActiveConnections marks one more in-flight forwarded request to a node.
func IncActiveConnections(nodeSlug string) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeConnections.WithLabelValues(nodeSlug).Inc()
}

// DecActiveConnections releases a previously leased in-flight slot.
func DecActiveConnections(nodeSlug string) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeConnections.WithLabelValues(nodeSlug).Dec()
}

// SetCircuitBreakerState publishes the numeric breaker state for a node.
func SetCircuitBreakerState(nodeSlug string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(nodeSlug).Set(float64(state))
}

// RecordCircuitBreakerTrip records a breaker state transition.
func RecordCircuitBreakerTrip(nodeSlug, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(nodeSlug, toState).Inc()
}

// RecordRoutingDecision records a routing policy outcome.
func RecordRoutingDecision(action, path string) {
	if promMetrics == nil {
		return
	}
	promMetrics.routingDecisionsTotal.WithLabelValues(action, path).Inc()
}

// RecordDigestCacheResult records a digest cache hit or miss.
func RecordDigestCacheResult(hit bool) {
	if promMetrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	promMetrics.digestCacheHitsTotal.WithLabelValues(result).Inc()
}

// RecordRAGRetrieval records retrieval latency for a collection.
func RecordRAGRetrieval(collection string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.ragRetrievalDuration.WithLabelValues(collection).Observe(float64(durationMs))
}

// RecordVectorUpsert records the number of points upserted to a collection.
func RecordVectorUpsert(collection string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.vectorUpsertTotal.WithLabelValues(collection).Add(float64(count))
}

// RecordVectorSearch records vector search latency for a collection.
func RecordVectorSearch(collection string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.vectorSearchDuration.WithLabelValues(collection).Observe(float64(durationMs))
}

// PrometheusHandler returns the HTTP handler serving the metrics endpoint.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry exposes the private registry for tests.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
