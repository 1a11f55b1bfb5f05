// Package metrics instruments the scheduler with Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerMetrics implements scheduler.Metrics with Prometheus collectors.
// Callers register it (or let New register it for them) against a registry
// and expose that registry's handler on /metrics.
type SchedulerMetrics struct {
	residentModels     *prometheus.GaugeVec
	evictions          *prometheus.CounterVec
	insufficientMemory *prometheus.CounterVec
	acquireLatency     *prometheus.HistogramVec
}

// New constructs a SchedulerMetrics and registers its collectors against reg.
// Passing prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps tests free of cross-test collector collisions.
func New(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		residentModels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmgateway",
			Subsystem: "scheduler",
			Name:      "resident_models",
			Help:      "Number of configured models currently in each lifecycle state.",
		}, []string{"lifecycle"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgateway",
			Subsystem: "scheduler",
			Name:      "evictions_total",
			Help:      "Number of times a model's container was stopped to free VRAM for another model.",
		}, []string{"model"}),
		insufficientMemory: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgateway",
			Subsystem: "scheduler",
			Name:      "insufficient_memory_total",
			Help:      "Number of acquisitions that failed because no combination of evictions freed enough VRAM.",
		}, []string{"model"}),
		acquireLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmgateway",
			Subsystem: "scheduler",
			Name:      "acquire_backend_duration_seconds",
			Help:      "Time spent in AcquireBackend, from lookup through health-gated return.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),
	}

	reg.MustRegister(m.residentModels, m.evictions, m.insufficientMemory, m.acquireLatency)
	return m
}

// SetResidentModels records the current count of models in the given
// lifecycle state. The scheduler calls this after every successful
// acquisition with a full snapshot, so stale labels naturally settle to 0
// rather than lingering at their last nonzero value.
func (m *SchedulerMetrics) SetResidentModels(lifecycle string, count int) {
	m.residentModels.WithLabelValues(lifecycle).Set(float64(count))
}

// IncEviction records that modelName's container was stopped to admit
// another model.
func (m *SchedulerMetrics) IncEviction(modelName string) {
	m.evictions.WithLabelValues(modelName).Inc()
}

// IncInsufficientMemory records an acquisition for modelName that failed
// because no eviction freed enough VRAM.
func (m *SchedulerMetrics) IncInsufficientMemory(modelName string) {
	m.insufficientMemory.WithLabelValues(modelName).Inc()
}

// ObserveAcquireLatency records the wall-clock duration of one successful
// AcquireBackend call for modelName.
func (m *SchedulerMetrics) ObserveAcquireLatency(modelName string, d time.Duration) {
	m.acquireLatency.WithLabelValues(modelName).Observe(d.Seconds())
}
