// Package metrics exposes Prometheus metrics for the offline cache worker.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus implementation of the worker metrics
type Metrics struct {
	fetches       *prometheus.CounterVec
	cacheWrites   *prometheus.CounterVec
	installs      *prometheus.CounterVec
	storesPruned  prometheus.Counter
	activeVersion *prometheus.GaugeVec
}

// New registers the worker metrics on reg
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		fetches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_fetches_total",
				Help: "Total number of intercepted fetches by outcome",
			},
			[]string{"outcome"}, // "bypass", "network", "cache", "fallback"
		),
		cacheWrites: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_writes_total",
				Help: "Total number of cache writes by result",
			},
			[]string{"result"}, // "ok", "error", "skipped"
		),
		installs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_installs_total",
				Help: "Total number of worker installs by result",
			},
			[]string{"result"}, // "ok", "error"
		),
		storesPruned: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "offline_cache_stores_pruned_total",
				Help: "Total number of stale cache stores deleted on activation",
			},
		),
		activeVersion: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "offline_cache_active_version",
				Help: "Set to 1 for the cache version of the active worker",
			},
			[]string{"version"},
		),
	}
}

// RecordFetch records one intercepted fetch
func (m *Metrics) RecordFetch(outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
}

// RecordCacheWrite records the result of a cache write
func (m *Metrics) RecordCacheWrite(result string) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(result).Inc()
}

// RecordInstall records the result of an install attempt
func (m *Metrics) RecordInstall(result string) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(result).Inc()
}

// RecordPruned records deleted stale stores
func (m *Metrics) RecordPruned(n int) {
	if m == nil {
		return
	}
	m.storesPruned.Add(float64(n))
}

// SetActiveVersion marks version as the only active one
func (m *Metrics) SetActiveVersion(version string) {
	if m == nil {
		return
	}
	m.activeVersion.Reset()
	if version != "" {
		m.activeVersion.WithLabelValues(version).Set(1)
	}
}
