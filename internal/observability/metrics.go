// Package observability provides the metrics and alerting collaborators
// consumed by the resilience layer. Metrics are Prometheus collectors
// registered on an injected registerer; alerts are an in-process ring
// buffer evaluated against configured thresholds.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records timings and counters for every resilience stage.
// A nil *Metrics is valid and records nothing, which keeps unit tests
// free of registry plumbing.
type Metrics struct {
	retryAttempts      *prometheus.CounterVec
	rateLimitDecisions *prometheus.CounterVec
	cacheAccesses      *prometheus.CounterVec
	cacheEvictions     *prometheus.CounterVec
	queueDepth         prometheus.Gauge
	queueOutcomes      *prometheus.CounterVec
	remoteLatency      *prometheus.HistogramVec
}

// NewMetrics creates and registers the resilience metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abide_retry_attempts_total",
			Help: "Retry attempts by operation class and final outcome.",
		}, []string{"class", "outcome"}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abide_ratelimit_decisions_total",
			Help: "Rate limiter decisions by resource class.",
		}, []string{"class", "decision"}),
		cacheAccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abide_cache_accesses_total",
			Help: "Cache accesses by category and result (hit, miss, promoted).",
		}, []string{"category", "result"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abide_cache_evictions_total",
			Help: "Cache evictions by category and reason (lru, expired, invalidated).",
		}, []string{"category", "reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abide_offline_queue_depth",
			Help: "Pending items in the offline mutation queue.",
		}),
		queueOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abide_offline_sync_outcomes_total",
			Help: "Replay outcomes per sync pass (committed, requeued, dead).",
		}, []string{"outcome"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "abide_remote_call_duration_seconds",
			Help:    "Latency of remote store calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(
		m.retryAttempts,
		m.rateLimitDecisions,
		m.cacheAccesses,
		m.cacheEvictions,
		m.queueDepth,
		m.queueOutcomes,
		m.remoteLatency,
	)
	return m
}

// RecordRetry records a finished retry loop.
func (m *Metrics) RecordRetry(class string, attempts int, succeeded bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if succeeded {
		outcome = "success"
	}
	m.retryAttempts.WithLabelValues(class, outcome).Add(float64(attempts))
}

// RecordRateLimit records an admission decision.
func (m *Metrics) RecordRateLimit(class string, allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.rateLimitDecisions.WithLabelValues(class, decision).Inc()
}

// RecordCacheAccess records a cache lookup result.
func (m *Metrics) RecordCacheAccess(category, result string) {
	if m == nil {
		return
	}
	m.cacheAccesses.WithLabelValues(category, result).Inc()
}

// RecordCacheEviction records a removed cache entry.
func (m *Metrics) RecordCacheEviction(category, reason string) {
	if m == nil {
		return
	}
	m.cacheEvictions.WithLabelValues(category, reason).Inc()
}

// SetQueueDepth records the current pending-queue size.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RecordSyncOutcome records the fate of one replayed queue item.
func (m *Metrics) RecordSyncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.queueOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRemoteCall records a remote store call's latency.
func (m *Metrics) RecordRemoteCall(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.remoteLatency.WithLabelValues(operation).Observe(d.Seconds())
}
