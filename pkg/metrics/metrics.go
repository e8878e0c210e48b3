// Copyright 2026 The Ceramic Anchor Service Authors
//
// Prometheus metrics for the anchor batch pipeline. The teacher's go.mod
// already carried prometheus/client_golang but never wired it to anything;
// this package is new, grounded on the isolated-registry constructor
// pattern used by the kubernaut example pack (metrics.NewEnhancedHealthMetrics(registry)
// and promhttp.HandlerFor(registry, ...) rather than the global default
// registry, so tests can exercise a throwaway instance).

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram/gauge the anchor pipeline exposes.
type Metrics struct {
	registry *prometheus.Registry

	RequestsIntake          *prometheus.CounterVec
	RequestStateTransitions *prometheus.CounterVec

	BatchesSelected  prometheus.Counter
	BatchSize        prometheus.Histogram
	BatchDuration    prometheus.Histogram
	BatchesAborted   *prometheus.CounterVec
	ManyMutexAttempts prometheus.Counter

	MetadataCacheHits   prometheus.Counter
	MetadataCacheMisses prometheus.Counter
	MetadataRetries     prometheus.Counter

	BlockchainSubmitAttempts *prometheus.CounterVec

	WitnessCARWriteFailures prometheus.Counter
}

// New constructs a Metrics instance registered against its own
// prometheus.Registry, so multiple instances (e.g. in tests) never collide
// on the global default registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RequestsIntake: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cas",
			Subsystem: "requests",
			Name:      "intake_total",
			Help:      "Anchor requests accepted by origin.",
		}, []string{"origin"}),

		RequestStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cas",
			Subsystem: "requests",
			Name:      "state_transitions_total",
			Help:      "Request state transitions by resulting status.",
		}, []string{"status"}),

		BatchesSelected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cas",
			Subsystem: "batch",
			Name:      "selected_total",
			Help:      "Number of batches selected for anchoring.",
		}),

		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cas",
			Subsystem: "batch",
			Name:      "size",
			Help:      "Number of requests in each selected batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),

		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cas",
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a full anchor() cycle.",
			Buckets:   prometheus.DefBuckets,
		}),

		BatchesAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cas",
			Subsystem: "batch",
			Name:      "aborted_total",
			Help:      "Batches aborted and reverted to PENDING, by cause.",
		}, []string{"reason"}),

		// ManyMutexAttempts counts WithSessionMutex/WithTransactionMutex
		// calls that needed more than five acquisition attempts (spec §4.8
		// MANY_ATTEMPTS_TO_ACQUIRE_MUTEX).
		ManyMutexAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cas",
			Subsystem: "mutex",
			Name:      "many_attempts_total",
			Help:      "Advisory lock acquisitions that took more than five attempts.",
		}),

		MetadataCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cas",
			Subsystem: "metadata",
			Name:      "cache_hits_total",
			Help:      "Genesis metadata resolutions served from the cache.",
		}),

		MetadataCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cas",
			Subsystem: "metadata",
			Name:      "cache_misses_total",
			Help:      "Genesis metadata resolutions that required dereferencing.",
		}),

		MetadataRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cas",
			Subsystem: "metadata",
			Name:      "dereference_retries_total",
			Help:      "Genesis commit dereference retry attempts.",
		}),

		BlockchainSubmitAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cas",
			Subsystem: "blockchain",
			Name:      "submit_attempts_total",
			Help:      "Batches by outcome: success when a root was anchored, aborted when the batch was aborted for any cause.",
		}, []string{"outcome"}),

		WitnessCARWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cas",
			Subsystem: "witness",
			Name:      "car_write_failures_total",
			Help:      "Per-stream CAR writes that failed after a committed anchor.",
		}),
	}

	registry.MustRegister(
		m.RequestsIntake,
		m.RequestStateTransitions,
		m.BatchesSelected,
		m.BatchSize,
		m.BatchDuration,
		m.BatchesAborted,
		m.ManyMutexAttempts,
		m.MetadataCacheHits,
		m.MetadataCacheMisses,
		m.MetadataRetries,
		m.BlockchainSubmitAttempts,
		m.WitnessCARWriteFailures,
	)

	return m
}

// Handler returns the http.Handler serving this instance's metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ManyMutexAttemptsHook returns a database.ClientOption-compatible callback
// for database.WithManyMutexAttemptsHook.
func (m *Metrics) ManyMutexAttemptsHook() func() {
	return func() {
		m.ManyMutexAttempts.Inc()
	}
}

// BatchObserver adapts Metrics to anchorsvc.BatchObserver.
type BatchObserver struct {
	m *Metrics
}

// NewBatchObserver constructs a BatchObserver over m.
func NewBatchObserver(m *Metrics) *BatchObserver {
	return &BatchObserver{m: m}
}

func (o *BatchObserver) OnBatchEmpty() {}

func (o *BatchObserver) OnBatchSelected(size int) {
	o.m.BatchesSelected.Inc()
	o.m.BatchSize.Observe(float64(size))
}

func (o *BatchObserver) OnBatchAnchored(rootCID string, anchored int) {
	o.m.BlockchainSubmitAttempts.WithLabelValues("success").Inc()
}

func (o *BatchObserver) OnBatchAborted(reason string) {
	o.m.BatchesAborted.WithLabelValues(reason).Inc()
	o.m.BlockchainSubmitAttempts.WithLabelValues("aborted").Inc()
}
