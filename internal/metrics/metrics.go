// Package metrics holds the Prometheus collectors of the message cache layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector groups the cache layer counters. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheErrors    *prometheus.CounterVec
	SyncCandidates prometheus.Counter
	SyncInserted   prometheus.Counter
	SyncFailures   prometheus.Counter
	SyncRuns       *prometheus.CounterVec
}

// NewCollector creates the collectors on a private registry so tests can
// build as many as they like.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_cache_hits_total",
			Help:      "Reads served from the message cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_cache_misses_total",
			Help:      "Reads that fell through to the durable store.",
		}),
		CacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_cache_errors_total",
			Help:      "Cache operations that failed and were degraded.",
		}, []string{"op"}),
		SyncCandidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_candidates_total",
			Help:      "Users selected for reconciliation because their cache is about to expire.",
		}),
		SyncInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_inserted_total",
			Help:      "Cache-only messages copied into the durable store.",
		}),
		SyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_user_failures_total",
			Help:      "Per-user reconciliation failures.",
		}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation runs by outcome.",
		}, []string{"outcome"}),
	}
	c.registry.MustRegister(
		c.CacheHits, c.CacheMisses, c.CacheErrors,
		c.SyncCandidates, c.SyncInserted, c.SyncFailures, c.SyncRuns,
	)
	return c
}

// Registry returns the registry to expose over HTTP.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Hit() {
	if c != nil {
		c.CacheHits.Inc()
	}
}

func (c *Collector) Miss() {
	if c != nil {
		c.CacheMisses.Inc()
	}
}

func (c *Collector) CacheError(op string) {
	if c != nil {
		c.CacheErrors.WithLabelValues(op).Inc()
	}
}

// SyncRun records one reconciliation pass.
func (c *Collector) SyncRun(candidates, inserted, failures int, scanErr error) {
	if c == nil {
		return
	}
	outcome := "ok"
	switch {
	case scanErr != nil:
		outcome = "scan_error"
	case failures > 0:
		outcome = "partial"
	}
	c.SyncRuns.WithLabelValues(outcome).Inc()
	c.SyncCandidates.Add(float64(candidates))
	c.SyncInserted.Add(float64(inserted))
	c.SyncFailures.Add(float64(failures))
}
