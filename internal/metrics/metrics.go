// Package metrics exposes the proxy's Prometheus surface: a small set of
// counters and histograms for the observability spec.md's Non-goals don't
// exclude (they exclude rate limiting, response caching, and condensation
// quality auditing — not metrics).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles the proxy's metrics behind one handle so callers don't
// reach for prometheus's default global registry directly.
type Registry struct {
	Requests         *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec
	StreamErrors     *prometheus.CounterVec
	CondensationRuns *prometheus.CounterVec
	ChunkCacheHits   prometheus.Counter
	ChunkCacheMisses prometheus.Counter
	RequestDuration  *prometheus.HistogramVec
	ContextUtilization prometheus.Histogram
}

// New registers every metric against reg and returns the bundle. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry across parallel test runs.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmrouter",
			Name:      "requests_total",
			Help:      "Total requests handled, labeled by endpoint and downstream dialect.",
		}, []string{"endpoint", "dialect"}),

		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmrouter",
			Name:      "upstream_errors_total",
			Help:      "Upstream dispatch failures, labeled by family and status class.",
		}, []string{"family", "status_class"}),

		StreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmrouter",
			Name:      "stream_errors_total",
			Help:      "Mid-stream failures encountered while bridging SSE, labeled by family pair.",
		}, []string{"upstream_family", "downstream_family"}),

		CondensationRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmrouter",
			Name:      "condensation_runs_total",
			Help:      "Condensation invocations, labeled by strategy and outcome.",
		}, []string{"strategy", "outcome"}),

		ChunkCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "llmrouter",
			Name:      "chunk_cache_hits_total",
			Help:      "Chunk store lookups served from a fresh cached chunk.",
		}),

		ChunkCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "llmrouter",
			Name:      "chunk_cache_misses_total",
			Help:      "Chunk store lookups that required condensing a chunk.",
		}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmrouter",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency, labeled by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		ContextUtilization: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "llmrouter",
			Name:      "context_utilization_ratio",
			Help:      "Observed context window utilization ratio at request time.",
			Buckets:   []float64{0.5, 0.7, 0.8, 0.9, 0.95, 1.0, 1.1},
		}),
	}
}
