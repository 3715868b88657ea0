// Package metrics holds the Prometheus collectors for discovery runs,
// provider calls and the acquisition pipeline. Collectors register on the
// default registry; /metrics serves them via promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesTotal counts batches reaching a terminal or intermediate state.
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discoverweekly_batches_total",
			Help: "Discovery batches by resulting status",
		},
		[]string{"status"},
	)

	// JobsTotal counts download job outcomes.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discoverweekly_download_jobs_total",
			Help: "Download jobs by resulting status",
		},
		[]string{"status"},
	)

	// RecommendationsTotal counts recommended albums by tier.
	RecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discoverweekly_recommendations_total",
			Help: "Recommended albums by similarity tier",
		},
		[]string{"tier"},
	)

	// StuckBatchesTotal counts batches force-advanced by the sweep.
	StuckBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "discoverweekly_stuck_batches_total",
			Help: "Batches force-advanced by the stuck-batch sweep",
		},
	)

	// PlaylistTracks observes final playlist sizes.
	PlaylistTracks = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "discoverweekly_playlist_tracks",
			Help:    "Tracks in assembled playlists",
			Buckets: []float64{5, 10, 20, 30, 40, 60, 80},
		},
	)

	// ProviderRequestDuration tracks external API latency.
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "discoverweekly_provider_request_duration_seconds",
			Help:    "External provider request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "method", "outcome"},
	)

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "discoverweekly_circuit_breaker_state",
			Help: "Provider circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// CacheLookups counts provider cache hits and misses.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discoverweekly_cache_lookups_total",
			Help: "Provider cache lookups by result",
		},
		[]string{"cache", "result"},
	)

	// CleanupActions counts cleanup coordinator actions.
	CleanupActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discoverweekly_cleanup_actions_total",
			Help: "Cleanup actions by kind",
		},
		[]string{"action"},
	)
)

// ObserveProvider records one provider call.
func ObserveProvider(provider, method string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ProviderRequestDuration.WithLabelValues(provider, method, outcome).Observe(time.Since(start).Seconds())
}

// CacheResult records a cache hit or miss.
func CacheResult(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(cache, result).Inc()
}
