package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes the pipeline's delivery health.
//
// Metrics (all namespaced with "eventpipe_"):
//
//  1. payloads_accepted_total (counter): payloads taken into the store.
//  2. payloads_delivered_total (counter): payloads the collector accepted.
//  3. payloads_dropped_total (counter): payloads lost. Labels: reason
//     (non_retryable_status, retries_exhausted, evicted, store_full, store_fault).
//  4. batch_attempts_total (counter): delivery attempts. Labels: result
//     (delivered, retry, dropped).
//  5. send_latency_ms (histogram): Transport.Send duration. Labels: result.
//  6. store_size (gauge): payloads held by the store after each worker step.
//  7. backpressure_total (counter): Add calls refused. Labels: reason
//     (channel_full, timeout, store_full).
//  8. worker_faults_total (counter): worker goroutines that died.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := pipeline.NewPrometheusMetrics(registry)
//	em, _ := pipeline.New(cfg, pipeline.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	accepted     prometheus.Counter
	delivered    prometheus.Counter
	dropped      *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	sendLatency  *prometheus.HistogramVec
	storeSize    prometheus.Gauge
	backpressure *prometheus.CounterVec
	faults       prometheus.Counter

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers every pipeline metric with
// registry. A nil registry means prometheus.DefaultRegisterer.
//
// Registering twice with the same registry panics, as with any promauto
// metric; give each emitter its own registry or share one PrometheusMetrics.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	const ns = "eventpipe"
	pm := &PrometheusMetrics{enabled: true}

	pm.accepted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "payloads_accepted_total",
		Help:      "Payloads accepted into the event store",
	})
	pm.delivered = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "payloads_delivered_total",
		Help:      "Payloads acknowledged by the collector",
	})
	pm.dropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "payloads_dropped_total",
		Help:      "Payloads permanently dropped without delivery",
	}, []string{"reason"})
	pm.attempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "batch_attempts_total",
		Help:      "Batch delivery attempts by result",
	}, []string{"result"})
	pm.sendLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "send_latency_ms",
		Help:      "Duration of each batch delivery attempt in milliseconds",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"result"})
	pm.storeSize = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "store_size",
		Help:      "Payloads currently held by the event store, including in-flight batches",
	})
	pm.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "backpressure_total",
		Help:      "Add calls refused because the pipeline was saturated",
	}, []string{"reason"})
	pm.faults = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "worker_faults_total",
		Help:      "Pipeline workers that terminated from an internal fault",
	})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordAccepted counts n payloads entering the store.
func (pm *PrometheusMetrics) RecordAccepted(n int) {
	if !pm.on() {
		return
	}
	pm.accepted.Add(float64(n))
}

// RecordAttempt records one delivery attempt of size payloads.
func (pm *PrometheusMetrics) RecordAttempt(result string, size int, latency time.Duration) {
	if !pm.on() {
		return
	}
	pm.attempts.WithLabelValues(result).Inc()
	pm.sendLatency.WithLabelValues(result).Observe(float64(latency.Milliseconds()))
	if result == "delivered" {
		pm.delivered.Add(float64(size))
	}
}

// RecordDropped counts n payloads lost for reason.
func (pm *PrometheusMetrics) RecordDropped(reason string, n int) {
	if !pm.on() {
		return
	}
	pm.dropped.WithLabelValues(reason).Add(float64(n))
}

// RecordBackpressure counts one refused Add.
func (pm *PrometheusMetrics) RecordBackpressure(reason string) {
	if !pm.on() {
		return
	}
	pm.backpressure.WithLabelValues(reason).Inc()
}

// RecordWorkerFault counts a dead worker.
func (pm *PrometheusMetrics) RecordWorkerFault() {
	if !pm.on() {
		return
	}
	pm.faults.Inc()
}

// UpdateStoreSize sets the store size gauge.
func (pm *PrometheusMetrics) UpdateStoreSize(n int) {
	if !pm.on() {
		return
	}
	pm.storeSize.Set(float64(n))
}

// Disable stops recording. Useful in tests or to shed overhead temporarily.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges. Counters are cumulative and are not reset.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.storeSize.Set(0)
}
