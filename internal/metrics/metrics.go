// Package metrics exposes the process-wide Prometheus instrumentation
// for both XiProxy and DbMan: request counters and latency histograms
// per component, registered against a single *prometheus.Registry so a
// binary's /metrics handler (see cmd/*/main.go) can serve them all.
//
// Grounded on the MetricSet/CounterVec/HistogramVec shape from
// _examples/other_examples' dcache package (label-based counters and
// histograms registered at construction time, observed inline at each
// call site) adapted to this module's RPC/cache/DB surface instead of
// a single cache client's hit/error/latency triple.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every counter/histogram this module emits. Build one
// with New and pass it down to the components that report into it; a
// nil *Metrics value is valid everywhere it's accepted and simply
// drops observations (so components work unmodified in tests that
// don't care about metrics).
type Metrics struct {
	reg *prometheus.Registry

	RPCRequests    *prometheus.CounterVec
	RPCLatency     *prometheus.HistogramVec
	CacheHits      *prometheus.CounterVec
	MemcacheOps    *prometheus.CounterVec
	MemcacheLat    *prometheus.HistogramVec
	RedisOps       *prometheus.CounterVec
	RedisLat       *prometheus.HistogramVec
	DBJobs         *prometheus.CounterVec
	DBJobLatency   *prometheus.HistogramVec
	DBPoolBusy     *prometheus.GaugeVec
	DBPoolErrored  *prometheus.GaugeVec
	SalvoFanout    *prometheus.HistogramVec
	ConfigReloads  *prometheus.CounterVec
}

var latencyBuckets = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// New builds and registers a fresh Metrics bundle against its own
// registry, namespaced by component ("xiproxy" or "dbman").
func New(component string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: component, Name: "rpc_requests_total",
			Help: "RPC quests processed, by service/method/status.",
		}, []string{"service", "method", "status"}),
		RPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: component, Name: "rpc_latency_ms",
			Help: "RPC quest processing latency in milliseconds.", Buckets: latencyBuckets,
		}, []string{"service", "method"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: component, Name: "cache_result_total",
			Help: "RCache lookups, by hit/miss.",
		}, []string{"result"}),
		MemcacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: component, Name: "memcache_ops_total",
			Help: "Memcached operations, by op/outcome.",
		}, []string{"op", "outcome"}),
		MemcacheLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: component, Name: "memcache_latency_ms",
			Help: "Memcached operation latency in milliseconds.", Buckets: latencyBuckets,
		}, []string{"op"}),
		RedisOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: component, Name: "redis_ops_total",
			Help: "Redis operations, by call-kind/outcome.",
		}, []string{"call_kind", "outcome"}),
		RedisLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: component, Name: "redis_latency_ms",
			Help: "Redis operation latency in milliseconds.", Buckets: latencyBuckets,
		}, []string{"call_kind"}),
		DBJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: component, Name: "db_jobs_total",
			Help: "DbMan jobs executed, by kind/outcome.",
		}, []string{"kind", "outcome"}),
		DBJobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: component, Name: "db_job_latency_ms",
			Help: "DbMan job latency in milliseconds.", Buckets: latencyBuckets,
		}, []string{"kind"}),
		DBPoolBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: component, Name: "db_pool_busy",
			Help: "Current busy-connection count per server.",
		}, []string{"addr"}),
		DBPoolErrored: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: component, Name: "db_pool_errored",
			Help: "1 if the pool is currently flagged errored, else 0.",
		}, []string{"addr"}),
		SalvoFanout: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: component, Name: "salvo_fanout_ms",
			Help: "BigServant salvo fan-out completion time in milliseconds.", Buckets: latencyBuckets,
		}, []string{"outcome"}),
		ConfigReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: component, Name: "config_reloads_total",
			Help: "Service-list or DBSetting reload attempts, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.RPCRequests, m.RPCLatency, m.CacheHits, m.MemcacheOps, m.MemcacheLat,
		m.RedisOps, m.RedisLat, m.DBJobs, m.DBJobLatency, m.DBPoolBusy,
		m.DBPoolErrored, m.SalvoFanout, m.ConfigReloads,
	)
	return m
}

// Registry returns the underlying registry, for wiring into an HTTP
// /metrics handler (promhttp.HandlerFor).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ObserveRPC records one completed RPC quest.
func (m *Metrics) ObserveRPC(service, method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RPCRequests.WithLabelValues(service, method, status).Inc()
	m.RPCLatency.WithLabelValues(service, method).Observe(msOf(elapsed))
}

// ObserveCache records an RCache lookup result ("hit" or "miss").
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(result).Inc()
}

// ObserveMemcache records one memcached operation.
func (m *Metrics) ObserveMemcache(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.MemcacheOps.WithLabelValues(op, outcome).Inc()
	m.MemcacheLat.WithLabelValues(op).Observe(msOf(elapsed))
}

// ObserveRedis records one Redis call (Call1/CallN/CallT).
func (m *Metrics) ObserveRedis(callKind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RedisOps.WithLabelValues(callKind, outcome).Inc()
	m.RedisLat.WithLabelValues(callKind).Observe(msOf(elapsed))
}

// ObserveDBJob records one SQueryJob/MQueryJob execution.
func (m *Metrics) ObserveDBJob(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DBJobs.WithLabelValues(kind, outcome).Inc()
	m.DBJobLatency.WithLabelValues(kind).Observe(msOf(elapsed))
}

// SetPoolState reports a pool's current busy count and errored flag.
func (m *Metrics) SetPoolState(addr string, busy int, errored bool) {
	if m == nil {
		return
	}
	m.DBPoolBusy.WithLabelValues(addr).Set(float64(busy))
	e := 0.0
	if errored {
		e = 1.0
	}
	m.DBPoolErrored.WithLabelValues(addr).Set(e)
}

// ObserveSalvo records one BigServant salvo's fan-out completion time.
func (m *Metrics) ObserveSalvo(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SalvoFanout.WithLabelValues(outcome).Observe(msOf(elapsed))
}

// ObserveReload records a config/DBSetting reload attempt outcome
// ("reloaded", "unchanged", "error").
func (m *Metrics) ObserveReload(outcome string) {
	if m == nil {
		return
	}
	m.ConfigReloads.WithLabelValues(outcome).Inc()
}

func msOf(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
