// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector aggregates the engine's prometheus metrics.
type Collector struct {
	// Job metrics
	jobsTotal   *prometheus.CounterVec
	jobsRunning prometheus.Gauge

	// Node metrics
	nodeTransitions *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	nodeRetries     prometheus.Counter

	// Failure memory metrics
	memoryHits   prometheus.Counter
	memoryMisses prometheus.Counter

	// Backend metrics
	generateAttempts  *prometheus.CounterVec
	generateFallbacks *prometheus.CounterVec
	generateDuration  *prometheus.HistogramVec
}

// NewCollector creates a collector registered on reg. A nil reg uses
// the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Jobs reaching a terminal status, by status",
			},
			[]string{"status"},
		),
		jobsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_running",
				Help:      "Jobs currently being scheduled",
			},
		),
		nodeTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_transitions_total",
				Help:      "Node status transitions, by target status",
			},
			[]string{"to"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Wall time of a single node attempt",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"task"},
		),
		nodeRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_retries_total",
				Help:      "Node attempts beyond the first",
			},
		),
		memoryHits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failure_memory_hits_total",
				Help:      "Retries short-circuited by a known fingerprint",
			},
		),
		memoryMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failure_memory_misses_total",
				Help:      "Fingerprint lookups that found nothing",
			},
		),
		generateAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generate_attempts_total",
				Help:      "Generation calls per backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		generateFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generate_fallbacks_total",
				Help:      "Fallbacks taken away from a backend",
			},
			[]string{"backend"},
		),
		generateDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generate_duration_seconds",
				Help:      "Latency of generation calls per backend",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
	}
}

// JobFinished counts a job reaching a terminal status.
func (c *Collector) JobFinished(status string) {
	if c == nil {
		return
	}
	c.jobsTotal.WithLabelValues(status).Inc()
}

// JobStarted and JobStopped track the running-jobs gauge.
func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.jobsRunning.Inc()
}

// JobStopped decrements the running-jobs gauge.
func (c *Collector) JobStopped() {
	if c == nil {
		return
	}
	c.jobsRunning.Dec()
}

// NodeTransition counts a node status change.
func (c *Collector) NodeTransition(to string) {
	if c == nil {
		return
	}
	c.nodeTransitions.WithLabelValues(to).Inc()
}

// NodeAttempt observes a node attempt duration.
func (c *Collector) NodeAttempt(task string, seconds float64) {
	if c == nil {
		return
	}
	c.nodeDuration.WithLabelValues(task).Observe(seconds)
}

// NodeRetried counts a re-attempt.
func (c *Collector) NodeRetried() {
	if c == nil {
		return
	}
	c.nodeRetries.Inc()
}

// MemoryHit counts a failure-memory hit.
func (c *Collector) MemoryHit() {
	if c == nil {
		return
	}
	c.memoryHits.Inc()
}

// MemoryMiss counts a failure-memory miss.
func (c *Collector) MemoryMiss() {
	if c == nil {
		return
	}
	c.memoryMisses.Inc()
}

// GenerateAttempt counts one backend call with its outcome.
func (c *Collector) GenerateAttempt(backend, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.generateAttempts.WithLabelValues(backend, outcome).Inc()
	c.generateDuration.WithLabelValues(backend).Observe(seconds)
}

// GenerateFallback counts a fallback taken away from backend.
func (c *Collector) GenerateFallback(backend string) {
	if c == nil {
		return
	}
	c.generateFallbacks.WithLabelValues(backend).Inc()
}
