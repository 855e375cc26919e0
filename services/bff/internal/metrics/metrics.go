// Package metrics exposes the BFF's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the query cache, catalog transport and app-state registry report to.
type Recorder interface {
	RecordCacheHit(bucket string)
	RecordCacheMiss(bucket string)
	RecordCacheError(bucket string)
	RecordUpstreamStatus(statusCode int)
	RecordUpstreamLatency(d time.Duration)
	RecordFallback(op string)
	SetActiveSessions(n int)
}

type Collector struct {
	cacheLookups    *prometheus.CounterVec
	upstreamStatus  *prometheus.CounterVec
	upstreamLatency prometheus.Histogram
	fallbacks       *prometheus.CounterVec
	activeSessions  prometheus.Gauge
}

// NewCollector registers the BFF metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "koma_query_cache_lookups_total",
			Help: "Query cache lookups by bucket and result (hit, miss, error).",
		}, []string{"bucket", "result"}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "koma_catalog_http_status_total",
			Help: "Catalog API responses by HTTP status code.",
		}, []string{"status_code"}),
		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "koma_catalog_request_seconds",
			Help:    "Catalog API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "koma_catalog_fallbacks_total",
			Help: "Catalog operations served from the static dataset.",
		}, []string{"op"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "koma_active_sessions",
			Help: "Browser-session containers currently held in memory.",
		}),
	}
	reg.MustRegister(c.cacheLookups, c.upstreamStatus, c.upstreamLatency, c.fallbacks, c.activeSessions)
	return c
}

func (c *Collector) RecordCacheHit(bucket string) {
	c.cacheLookups.WithLabelValues(bucket, "hit").Inc()
}

func (c *Collector) RecordCacheMiss(bucket string) {
	c.cacheLookups.WithLabelValues(bucket, "miss").Inc()
}

func (c *Collector) RecordCacheError(bucket string) {
	c.cacheLookups.WithLabelValues(bucket, "error").Inc()
}

func (c *Collector) RecordUpstreamStatus(statusCode int) {
	c.upstreamStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

func (c *Collector) RecordUpstreamLatency(d time.Duration) {
	c.upstreamLatency.Observe(d.Seconds())
}

func (c *Collector) RecordFallback(op string) {
	c.fallbacks.WithLabelValues(op).Inc()
}

func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordCacheHit(string)               {}
func (Nop) RecordCacheMiss(string)              {}
func (Nop) RecordCacheError(string)             {}
func (Nop) RecordUpstreamStatus(int)            {}
func (Nop) RecordUpstreamLatency(time.Duration) {}
func (Nop) RecordFallback(string)               {}
func (Nop) SetActiveSessions(int)               {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Handler serves the gathered metrics for scraping.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
