// Package rmetrics wraps the Prometheus client with the counters and
// histograms the risk engine emits. A nil *Collector is a valid no-op so
// metrics are always optional.
package rmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the engine's Prometheus instruments.
type Collector struct {
	registry *prometheus.Registry

	decisionsTotal   *prometheus.CounterVec
	evaluationTime   *prometheus.HistogramVec
	storeSize        prometheus.Gauge
	storeEvictions   prometheus.Counter
	storeHits        prometheus.Counter
	storeMisses      prometheus.Counter
	rateLimitBuckets prometheus.Gauge
	hookFailures     *prometheus.CounterVec
}

// NewCollector creates a Collector registered against a fresh registry.
// Pass the returned registry to an HTTP handler (promhttp.HandlerFor) to
// expose a scrape endpoint.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskengine_decisions_total",
			Help: "Total decisions made, by action and risk level.",
		}, []string{"action", "risk_level"}),
		evaluationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskengine_evaluation_seconds",
			Help:    "Time spent evaluating a single request.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		storeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riskengine_store_size",
			Help: "Current number of keys held by the store.",
		}),
		storeEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_store_evictions_total",
			Help: "Total number of LRU evictions.",
		}),
		storeHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_store_hits_total",
			Help: "Total store get() hits.",
		}),
		storeMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_store_misses_total",
			Help: "Total store get() misses.",
		}),
		rateLimitBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riskengine_ratelimit_buckets",
			Help: "Current number of active rate-limit buckets.",
		}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskengine_hook_failures_total",
			Help: "Total swallowed hook panics/errors, by hook name.",
		}, []string{"hook"}),
	}

	reg.MustRegister(
		c.decisionsTotal, c.evaluationTime, c.storeSize, c.storeEvictions,
		c.storeHits, c.storeMisses, c.rateLimitBuckets, c.hookFailures,
	)
	return c
}

// Registry exposes the underlying registry for a /metrics scrape handler.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordDecision(action, riskLevel string, d time.Duration) {
	if c == nil {
		return
	}
	c.decisionsTotal.WithLabelValues(action, riskLevel).Inc()
	c.evaluationTime.WithLabelValues(action).Observe(d.Seconds())
}

func (c *Collector) SetStoreSize(n int) {
	if c == nil {
		return
	}
	c.storeSize.Set(float64(n))
}

func (c *Collector) IncStoreEviction() {
	if c == nil {
		return
	}
	c.storeEvictions.Inc()
}

func (c *Collector) IncStoreHit() {
	if c == nil {
		return
	}
	c.storeHits.Inc()
}

func (c *Collector) IncStoreMiss() {
	if c == nil {
		return
	}
	c.storeMisses.Inc()
}

func (c *Collector) SetRateLimitBuckets(n int) {
	if c == nil {
		return
	}
	c.rateLimitBuckets.Set(float64(n))
}

func (c *Collector) IncHookFailure(hook string) {
	if c == nil {
		return
	}
	c.hookFailures.WithLabelValues(hook).Inc()
}
