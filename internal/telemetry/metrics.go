package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blastguard.ai/internal/provenance"
)

// Metrics owns a private registry so tests and multiple services in one
// process do not collide on the default one.
type Metrics struct {
	reg           *prometheus.Registry
	lookupLatency prometheus.Histogram
}

// NewMetrics exposes stats and cache state. Counters read the live atomic
// values, so an operator stats reset shows up as a counter reset.
func NewMetrics(stats *provenance.Stats, cache *provenance.Cache, hub *Hub, enabled func() bool) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	counter := func(name, help string, load func() uint64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "blastguard",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(load()) })
	}
	reg.MustRegister(
		counter("ledger_queries_total", "Ledger lookups issued.", stats.LedgerQueries.Load),
		counter("blocks_protected_total", "Blocks removed from destruction sets.", stats.BlocksProtected.Load),
		counter("fallbacks_total", "Fail-open decisions.", stats.Fallbacks.Load),
		counter("cache_hits_total", "Verdict cache hits.", stats.CacheHits.Load),
		counter("cache_misses_total", "Verdict cache misses.", stats.CacheMisses.Load),
		counter("explosions_total", "Explosions filtered.", stats.Explosions.Load),
	)
	if cache != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "blastguard",
			Name:      "cache_entries",
			Help:      "Verdicts currently cached.",
		}, func() float64 { return float64(cache.Len()) }))
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "blastguard",
			Name:      "cache_evictions_total",
			Help:      "Verdicts evicted for capacity or age.",
		}, func() float64 { return float64(cache.Status().Evictions) }))
	}
	if hub != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "blastguard",
			Name:      "notify_subscribers",
			Help:      "Connected operator notification streams.",
		}, func() float64 { return float64(hub.Subscribers()) }))
	}
	if enabled != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "blastguard",
			Name:      "enabled",
			Help:      "1 when explosion protection is active.",
		}, func() float64 {
			if enabled() {
				return 1
			}
			return 0
		}))
	}

	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "blastguard",
		Name:      "ledger_lookup_seconds",
		Help:      "Ledger lookup latency.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	reg.MustRegister(latency)
	return &Metrics{reg: reg, lookupLatency: latency}
}

// TrackHostSessions exposes the number of connected game server hosts.
func (m *Metrics) TrackHostSessions(count func() int64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "blastguard",
		Name:      "host_sessions",
		Help:      "Connected game server hosts.",
	}, func() float64 { return float64(count()) }))
}

// ObserveLookup matches provenance.EngineConfig.ObserveLookup.
func (m *Metrics) ObserveLookup(d time.Duration) { m.lookupLatency.Observe(d.Seconds()) }

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
