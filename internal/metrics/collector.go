// Package metrics exposes prometheus instrumentation for the request
// pipeline: request outcomes, node durations, retriever latency, cache
// effectiveness, checkpoint backlog and panel activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the system records.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	nodeDuration       *prometheus.HistogramVec
	retrieverLatency   *prometheus.HistogramVec
	retrieverErrors    *prometheus.CounterVec
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	checkpointsPending prometheus.Gauge
	checkpointsTotal   *prometheus.CounterVec
	panelRounds        *prometheus.HistogramVec
	tokensUsed         *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec
}

// NewCollector registers all metrics on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expertflow_requests_total",
			Help: "Completed requests by mode and final status.",
		}, []string{"mode", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "expertflow_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "expertflow_node_duration_seconds",
			Help:    "Per-node execution time in the workflow graph.",
			Buckets: prometheus.DefBuckets,
		}, []string{"node"}),
		retrieverLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "expertflow_retriever_latency_seconds",
			Help:    "Latency per retrieval source.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		retrieverErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expertflow_retriever_errors_total",
			Help: "Failed or timed-out retrievals per source.",
		}, []string{"source"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expertflow_cache_hits_total",
			Help: "Evidence cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expertflow_cache_misses_total",
			Help: "Evidence cache misses.",
		}),
		checkpointsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "expertflow_checkpoints_pending",
			Help: "Checkpoints currently awaiting a human decision.",
		}),
		checkpointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expertflow_checkpoints_total",
			Help: "Resolved checkpoints by type and decision.",
		}, []string{"type", "decision"}),
		panelRounds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "expertflow_panel_rounds",
			Help:    "Rounds executed per panel session.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}, []string{"pattern"}),
		tokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expertflow_tokens_total",
			Help: "Model tokens consumed per tenant.",
		}, []string{"tenant_id", "direction"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expertflow_retries_total",
			Help: "Retry attempts by error code.",
		}, []string{"code"}),
	}

	registry.MustRegister(
		c.requestsTotal, c.requestDuration, c.nodeDuration,
		c.retrieverLatency, c.retrieverErrors,
		c.cacheHits, c.cacheMisses,
		c.checkpointsPending, c.checkpointsTotal,
		c.panelRounds, c.tokensUsed, c.retriesTotal,
	)
	return c
}

// Handler serves the /metrics endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished request.
func (c *Collector) ObserveRequest(mode string, status string, d time.Duration) {
	c.requestsTotal.WithLabelValues(mode, status).Inc()
	c.requestDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveNode records one workflow node execution.
func (c *Collector) ObserveNode(node string, d time.Duration) {
	c.nodeDuration.WithLabelValues(node).Observe(d.Seconds())
}

// ObserveRetriever records one retrieval attempt.
func (c *Collector) ObserveRetriever(source string, d time.Duration, err error) {
	c.retrieverLatency.WithLabelValues(source).Observe(d.Seconds())
	if err != nil {
		c.retrieverErrors.WithLabelValues(source).Inc()
	}
}

// CacheHit increments the hit counter.
func (c *Collector) CacheHit() { c.cacheHits.Inc() }

// CacheMiss increments the miss counter.
func (c *Collector) CacheMiss() { c.cacheMisses.Inc() }

// CheckpointOpened bumps the pending gauge.
func (c *Collector) CheckpointOpened() { c.checkpointsPending.Inc() }

// CheckpointResolved drops the pending gauge and records the decision.
func (c *Collector) CheckpointResolved(checkpointType, decision string) {
	c.checkpointsPending.Dec()
	c.checkpointsTotal.WithLabelValues(checkpointType, decision).Inc()
}

// ObservePanel records a completed panel session.
func (c *Collector) ObservePanel(pattern string, rounds int) {
	c.panelRounds.WithLabelValues(pattern).Observe(float64(rounds))
}

// AddTokens accounts consumed tokens against a tenant.
func (c *Collector) AddTokens(tenantID, direction string, n int) {
	c.tokensUsed.WithLabelValues(tenantID, direction).Add(float64(n))
}

// Retry records one retry attempt for an error code.
func (c *Collector) Retry(code string) {
	c.retriesTotal.WithLabelValues(code).Inc()
}
