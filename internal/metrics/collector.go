// Package metrics exposes the cache, snapshot and health events as
// Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/goliatone/go-insight-cache/health"
	"github.com/goliatone/go-insight-cache/internal/cacheinfra"
	"github.com/goliatone/go-insight-cache/snapshot"
)

const namespace = "insightcache"

// Collector owns every metric of the process. It implements
// cacheinfra.Recorder, snapshot.Observer and health.Observer.
type Collector struct {
	CacheHits      *prometheus.CounterVec
	CacheMisses    prometheus.Counter
	CacheCoalesced prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheExpired   prometheus.Counter
	CacheEntries   prometheus.Gauge

	SnapshotWrites *prometheus.CounterVec

	CollectionRuns      prometheus.Counter
	CollectionResults   *prometheus.CounterVec
	CollectionCallsSave prometheus.Counter

	HealthHitRate prometheus.Gauge
	HealthChecks  *prometheus.CounterVec
	AlertsSent    prometheus.Counter
}

var (
	_ cacheinfra.Recorder = (*Collector)(nil)
	_ snapshot.Observer   = (*Collector)(nil)
	_ health.Observer     = (*Collector)(nil)
)

// NewCollector registers the metrics on reg. A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Entry cache hits by tier",
		}, []string{"tier"}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Entry cache misses",
		}),
		CacheCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "coalesced_total",
			Help:      "Callers that joined an in-flight fetch",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries removed by LRU eviction",
		}),
		CacheExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "expired_total",
			Help:      "Entries dropped after their TTL",
		}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently held in the main map",
		}),
		SnapshotWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "writes_total",
			Help:      "Snapshots written by kind and whether content changed",
		}, []string{"kind", "changed"}),
		CollectionRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "runs_total",
			Help:      "Due collection runs completed",
		}),
		CollectionResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "identities_total",
			Help:      "Identities processed by due collection runs by result",
		}, []string{"result"}),
		CollectionCallsSave: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "api_calls_saved_total",
			Help:      "Background fetches that produced new content",
		}),
		HealthHitRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "hit_rate_percent",
			Help:      "Hit rate observed by the last health check",
		}),
		HealthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health checks by outcome",
		}, []string{"healthy"}),
		AlertsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "alerts_sent_total",
			Help:      "Low hit rate alerts delivered",
		}),
	}
}

func (c *Collector) Hit(tier string) { c.CacheHits.WithLabelValues(tier).Inc() }
func (c *Collector) Miss()           { c.CacheMisses.Inc() }
func (c *Collector) Coalesced()      { c.CacheCoalesced.Inc() }
func (c *Collector) Evicted(n int)   { c.CacheEvictions.Add(float64(n)) }
func (c *Collector) Expired(n int)   { c.CacheExpired.Add(float64(n)) }
func (c *Collector) Size(n int)      { c.CacheEntries.Set(float64(n)) }

// SnapshotWritten counts one snapshot write.
func (c *Collector) SnapshotWritten(kind snapshot.Kind, changed bool) {
	c.SnapshotWrites.WithLabelValues(string(kind), strconv.FormatBool(changed)).Inc()
}

// CollectionFinished records the outcome of a due collection run.
func (c *Collector) CollectionFinished(report snapshot.CollectionReport) {
	c.CollectionRuns.Inc()
	c.CollectionResults.WithLabelValues("collected").Add(float64(report.Collected))
	c.CollectionResults.WithLabelValues("failed").Add(float64(len(report.Errors)))
	c.CollectionCallsSave.Add(float64(report.APICallsSaved))
}

// HealthChecked records a health check result. Checks without enough data
// leave the hit rate gauge untouched.
func (c *Collector) HealthChecked(res health.Result) {
	if res.Message != health.MessageInsufficientData {
		c.HealthHitRate.Set(res.CurrentHitRate)
	}
	c.HealthChecks.WithLabelValues(strconv.FormatBool(res.Healthy)).Inc()
	if res.AlertSent {
		c.AlertsSent.Inc()
	}
}
