// Package vmetrics implements verifiable metrics (C14): a Prometheus text
// exporter alongside a separate, Ed25519-signed append-only report log,
// grounded on core/system_health_logging.go (HealthLogger's
// registry/gauge wiring and periodic collector loop), generalized from
// blockchain counters to proxy counters.
package vmetrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Counters is a point-in-time snapshot of the node's live counters.
type Counters struct {
	RequestCount        uint64
	CacheHits           uint64
	CacheMisses         uint64
	WAFBlocks           uint64
	RateLimitedCount    uint64
	AdvisoriesAccepted  uint64
	AdvisoriesRejected  uint64
	LatencyP50Ms        float64
	LatencyP95Ms        float64
	LatencyP99Ms        float64
	MemAllocBytes       uint64
	Goroutines          int
}

// CacheHitRate returns the percentage of lookups served from cache.
func (c Counters) CacheHitRate() float64 {
	total := c.CacheHits + c.CacheMisses
	if total == 0 {
		return 0
	}
	return (float64(c.CacheHits) / float64(total)) * 100
}

// Source supplies the live counters at collection time; implemented by
// whatever component aggregates request-path statistics (cmd/aegis wires
// in the LiveCounters that the proxy core and dispatcher increment).
type Source interface {
	Snapshot() Counters
}

// Exporter registers Prometheus gauges/counters mirroring Counters and
// updates them on each collection tick.
type Exporter struct {
	registry *prometheus.Registry
	source   Source
	log      *logrus.Entry

	requestCount       prometheus.Gauge
	cacheHitRate       prometheus.Gauge
	wafBlocks          prometheus.Gauge
	rateLimited        prometheus.Gauge
	advisoriesAccepted prometheus.Gauge
	advisoriesRejected prometheus.Gauge
	latencyP50         prometheus.Gauge
	latencyP95         prometheus.Gauge
	latencyP99         prometheus.Gauge
	memAlloc           prometheus.Gauge
	goroutines         prometheus.Gauge
}

// NewExporter constructs an Exporter pulling counters from source.
func NewExporter(source Source, log *logrus.Entry) *Exporter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	reg := prometheus.NewRegistry()
	e := &Exporter{registry: reg, source: source, log: log}

	e.requestCount = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aegis_request_count", Help: "Total requests processed"})
	e.cacheHitRate = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aegis_cache_hit_rate", Help: "Cache hit rate percentage"})
	e.wafBlocks = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aegis_waf_blocks", Help: "Requests blocked by the WAF"})
	e.rateLimited = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aegis_rate_limited", Help: "Requests rejected by the rate limiter"})
	e.advisoriesAccepted = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aegis_advisories_accepted", Help: "Threat-intel advisories accepted"})
	e.advisoriesRejected = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aegis_advisories_rejected", Help: "Threat-intel advisories rejected"})
	e.latencyP50 = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aegis_latency_p50_ms", Help: "Request latency p50 in milliseconds"})
	e.latencyP95 = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aegis_latency_p95_ms", Help: "Request latency p95 in milliseconds"})
	e.latencyP99 = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aegis_latency_p99_ms", Help: "Request latency p99 in milliseconds"})
	e.memAlloc = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aegis_mem_alloc_bytes", Help: "Current memory allocation in bytes"})
	e.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aegis_goroutines", Help: "Number of running goroutines"})

	reg.MustRegister(
		e.requestCount, e.cacheHitRate, e.wafBlocks, e.rateLimited,
		e.advisoriesAccepted, e.advisoriesRejected,
		e.latencyP50, e.latencyP95, e.latencyP99,
		e.memAlloc, e.goroutines,
	)
	return e
}

// Registry exposes the Prometheus registry for promhttp.HandlerFor.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Collect pulls a fresh Counters snapshot, updates the gauges, and returns
// the snapshot for the verifiable-report recorder to consume.
func (e *Exporter) Collect() Counters {
	c := e.source.Snapshot()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	c.MemAllocBytes = mem.Alloc
	c.Goroutines = runtime.NumGoroutine()

	e.requestCount.Set(float64(c.RequestCount))
	e.cacheHitRate.Set(c.CacheHitRate())
	e.wafBlocks.Set(float64(c.WAFBlocks))
	e.rateLimited.Set(float64(c.RateLimitedCount))
	e.advisoriesAccepted.Set(float64(c.AdvisoriesAccepted))
	e.advisoriesRejected.Set(float64(c.AdvisoriesRejected))
	e.latencyP50.Set(c.LatencyP50Ms)
	e.latencyP95.Set(c.LatencyP95Ms)
	e.latencyP99.Set(c.LatencyP99Ms)
	e.memAlloc.Set(float64(c.MemAllocBytes))
	e.goroutines.Set(float64(c.Goroutines))

	return c
}

// Run periodically collects until ctx is canceled.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Collect()
		}
	}
}
