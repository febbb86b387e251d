package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirrors the statistics aggregator's per-key slots and the
// reference store's cache hit/miss counters in Prometheus, so the
// periodic log summary the specification mandates has a scrape-able
// counterpart.
type Metrics struct {
	// Reference store cache metrics.
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheSetDuration prometheus.Histogram
	CacheGetDuration prometheus.Histogram

	// Bus event metrics.
	EventsPublished         *prometheus.CounterVec
	EventsConsumed          *prometheus.CounterVec
	EventsSuppressed        prometheus.Counter
	EventsDropped           *prometheus.CounterVec
	EventProcessingDuration *prometheus.HistogramVec
	EventTransmissionMs     *prometheus.HistogramVec
	StatsNewMaxCrossings    *prometheus.CounterVec
}

// New builds the Metrics family, registering every collector under
// namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		CacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total reference-store cache hits",
			},
		),
		CacheMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total reference-store cache misses",
			},
		),
		CacheSetDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_set_duration_seconds",
				Help:      "Reference-store cache SET duration",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1},
			},
		),
		CacheGetDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_get_duration_seconds",
				Help:      "Reference-store cache GET duration",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1},
			},
		),
		EventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total broadcast messages published",
			},
			[]string{"kind", "action"},
		),
		EventsConsumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_consumed_total",
				Help:      "Total broadcast messages applied by the consumer state machine",
			},
			[]string{"kind", "action"},
		),
		EventsSuppressed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_suppressed_total",
				Help:      "Total inbound messages discarded as self-echo",
			},
		),
		EventsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Total inbound messages dropped, by reason",
			},
			[]string{"reason"},
		),
		EventProcessingDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_processing_duration_seconds",
				Help:      "Time spent applying a consumed event to the local store",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"key"},
		),
		EventTransmissionMs: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_transmission_ms",
				Help:      "Publish-to-receive latency observed by the statistics aggregator",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"key"},
		),
		StatsNewMaxCrossings: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stats_new_max_crossings_total",
				Help:      "Count of times a new max exceeded statsLogMaxThresholdMs",
			},
			[]string{"key", "metric"},
		),
	}
}
