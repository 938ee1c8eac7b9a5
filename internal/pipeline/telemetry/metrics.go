// Package telemetry centralizes the Prometheus collectors shared by the
// feature pipeline. Collectors are registered eagerly at init so every
// binary that imports the package exposes the same metric set; helpers are
// cheap enough to call from the per-event hot path.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline throughput.
	eventsProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_processed_total",
		Help: "Total events that completed the compute+persist+publish path",
	})
	eventsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_failed_total",
		Help: "Total events routed to the dead-letter queue",
	})
	featureComputationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "feature_computation_seconds",
		Help:    "Wall time of a single event's feature computation",
		Buckets: prometheus.DefBuckets,
	})
	kafkaConsumerLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kafka_consumer_lag",
		Help: "Lag of the raw-events consumer behind the head of its assignment",
	})

	// Windowed-counter cache effectiveness.
	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Window counter lookups served from the cache",
	})
	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Window counter lookups that fell back to the historical store",
	})

	// Batching behavior.
	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_size",
		Help:    "Distribution of events per flushed batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	// Feature quality.
	featureValueDistribution = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name: "feature_value_distribution",
		Help: "Observed values of selected computed features",
	}, []string{"feature_name"})
	abVariantAssignments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ab_variant_assignments",
		Help: "Events assigned to each experiment variant",
	}, []string{"variant"})
	featureDriftAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feature_drift_alerts",
		Help: "Drift alerts raised per feature",
	}, []string{"feature_name"})
	timestampParseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_timestamp_parse_failures_total",
		Help: "Events whose timestamp was missing or unparsable and fell back to now()",
	})
)

func init() {
	// Eager registration: harmless when no /metrics endpoint is exposed.
	prometheus.MustRegister(
		eventsProcessedTotal,
		eventsFailedTotal,
		featureComputationSeconds,
		kafkaConsumerLag,
		cacheHitsTotal,
		cacheMissesTotal,
		batchSize,
		featureValueDistribution,
		abVariantAssignments,
		featureDriftAlerts,
		timestampParseFailures,
	)
}

// EventProcessed records one event that finished the full pipeline path.
func EventProcessed() { eventsProcessedTotal.Inc() }

// EventFailed records one event routed to the dead-letter queue.
func EventFailed() { eventsFailedTotal.Inc() }

// ObserveComputation records the wall time of one feature computation.
func ObserveComputation(d time.Duration) { featureComputationSeconds.Observe(d.Seconds()) }

// SetConsumerLag publishes the current consumer lag.
func SetConsumerLag(lag int64) { kafkaConsumerLag.Set(float64(lag)) }

// CacheHit / CacheMiss record the outcome of one window-counter lookup.
func CacheHit()  { cacheHitsTotal.Inc() }
func CacheMiss() { cacheMissesTotal.Inc() }

// ObserveBatch records the size of one flushed batch.
func ObserveBatch(n int) { batchSize.Observe(float64(n)) }

// ObserveFeatureValue feeds the per-feature value summary.
func ObserveFeatureValue(feature string, v float64) {
	featureValueDistribution.WithLabelValues(feature).Observe(v)
}

// VariantAssigned counts one event landing in the given experiment variant.
func VariantAssigned(variant string) { abVariantAssignments.WithLabelValues(variant).Inc() }

// DriftAlert counts one drift alert for the given feature.
func DriftAlert(feature string) { featureDriftAlerts.WithLabelValues(feature).Inc() }

// TimestampParseFailure counts one event timestamp that could not be parsed.
func TimestampParseFailure() { timestampParseFailures.Inc() }

// StartMetricsServer exposes /metrics on addr in a background goroutine.
// Best-effort: callers that need lifecycle control should mount Handler()
// on their own server instead.
func StartMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}

// Handler returns the shared registry's /metrics handler for embedding into
// an existing mux.
func Handler() http.Handler { return promhttp.Handler() }
