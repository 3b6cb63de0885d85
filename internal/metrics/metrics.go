// Package metrics owns every Prometheus collector the engine exports. One
// Metrics value is built per process and handed to each component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rewrite0/internal/cache"
)

const namespace = "rewrite0"

type Metrics struct {
	reg prometheus.Registerer

	HTTPCacheHits           prometheus.Counter
	HTTPCacheMisses         prometheus.Counter
	HTTPCacheExpirations    prometheus.Counter
	HTTPCacheInserts        prometheus.Counter
	HTTPCacheRejectedPuts   prometheus.Counter
	HTTPCacheNegativeHits   *prometheus.CounterVec
	HTTPCacheBackendSkipped prometheus.Counter

	Fetches       *prometheus.CounterVec
	FetchDeduped  prometheus.Counter
	Freshens      *prometheus.CounterVec
	CallbacksLost prometheus.Counter

	Locks *prometheus.CounterVec

	Rewrites         *prometheus.CounterVec
	DeadlineExceeded prometheus.Counter
}

// New registers the collectors on reg. A nil reg gets a private registry,
// which keeps tests independent.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,

		HTTPCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http_cache", Name: "hits_total",
			Help: "Lookups that returned a fresh stored response.",
		}),
		HTTPCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http_cache", Name: "misses_total",
			Help: "Lookups that found nothing usable.",
		}),
		HTTPCacheExpirations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http_cache", Name: "expirations_total",
			Help: "Lookups that found a stored response past its expiration.",
		}),
		HTTPCacheInserts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http_cache", Name: "inserts_total",
			Help: "Responses written to the cache.",
		}),
		HTTPCacheRejectedPuts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http_cache", Name: "rejected_puts_total",
			Help: "Put calls refused because the response was not cacheable.",
		}),
		HTTPCacheNegativeHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http_cache", Name: "negative_hits_total",
			Help: "Lookups answered by a remembered fetch failure or not-cacheable marker.",
		}, []string{"kind"}),
		HTTPCacheBackendSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http_cache", Name: "backend_unhealthy_total",
			Help: "Operations skipped because the backend reported itself unhealthy.",
		}),

		Fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "total",
			Help: "Origin fetches by outcome.",
		}, []string{"outcome"}),
		FetchDeduped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "deduplicated_total",
			Help: "Fetches that joined an identical in-flight fetch.",
		}),
		Freshens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "freshen", Name: "total",
			Help: "Proactive refreshes by outcome.",
		}, []string{"outcome"}),
		CallbacksLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "detached_callbacks_total",
			Help: "Completions dropped because the caller had gone away.",
		}),

		Locks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lock", Name: "total",
			Help: "Creation lock attempts by outcome.",
		}, []string{"outcome"}),

		Rewrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rewrite", Name: "total",
			Help: "Rewrite attempts by outcome.",
		}, []string{"outcome"}),
		DeadlineExceeded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rewrite", Name: "deadline_exceeded_total",
			Help: "Rewrites that fell back to the original because they missed the deadline.",
		}),
	}
}

// RegisterCacheStats exposes a backend's own counters under the given name.
func (m *Metrics) RegisterCacheStats(name string, r cache.StatsReporter) {
	labels := prometheus.Labels{"cache": name}
	counter := func(metric, help string, get func(cache.Stats) uint64) {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backend", Name: metric,
			Help: help, ConstLabels: labels,
		}, func() float64 { return float64(get(r.Stats())) }))
	}
	gauge := func(metric, help string, get func(cache.Stats) float64) {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "backend", Name: metric,
			Help: help, ConstLabels: labels,
		}, func() float64 { return get(r.Stats()) }))
	}

	counter("hits_total", "Backend hits.", func(s cache.Stats) uint64 { return s.Hits })
	counter("misses_total", "Backend misses.", func(s cache.Stats) uint64 { return s.Misses })
	counter("inserts_total", "Backend inserts.", func(s cache.Stats) uint64 { return s.Inserts })
	counter("identical_reinserts_total", "Puts of a value equal to the stored one.", func(s cache.Stats) uint64 { return s.IdenticalReinserts })
	counter("evictions_total", "Entries evicted for space.", func(s cache.Stats) uint64 { return s.Evictions })
	gauge("entries", "Stored entries.", func(s cache.Stats) float64 { return float64(s.Entries) })
	gauge("bytes", "Stored bytes.", func(s cache.Stats) float64 { return float64(s.Bytes) })
}
