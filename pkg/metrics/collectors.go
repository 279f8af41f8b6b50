package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/approvalflow/pkg/api"
)

// CacheCollector reads the engine cache counters at scrape time.
type CacheCollector struct {
	cache api.CacheControl

	hits          *prometheus.Desc
	misses        *prometheus.Desc
	evictions     *prometheus.Desc
	invalidations *prometheus.Desc
	expirations   *prometheus.Desc
	size          *prometheus.Desc
	hitRate       *prometheus.Desc
}

var _ prometheus.Collector = (*CacheCollector)(nil)

// NewCacheCollector returns a collector for c. Register it with a registry.
func NewCacheCollector(c api.CacheControl) *CacheCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, nil, nil)
	}
	return &CacheCollector{
		cache:         c,
		hits:          desc("hits_total", "Cache lookups served from memory."),
		misses:        desc("misses_total", "Cache lookups that went to the store."),
		evictions:     desc("evictions_total", "Entries dropped because the cache was full."),
		invalidations: desc("invalidations_total", "Entries dropped by writes."),
		expirations:   desc("expirations_total", "Entries dropped after their TTL."),
		size:          desc("entries", "Entries currently cached."),
		hitRate:       desc("hit_ratio", "Hits divided by lookups."),
	}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.invalidations
	ch <- c.expirations
	ch <- c.size
	ch <- c.hitRate
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.cache.CacheStats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.invalidations, prometheus.CounterValue, float64(s.Invalidations))
	ch <- prometheus.MustNewConstMetric(c.expirations, prometheus.CounterValue, float64(s.Expirations))
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size))
	ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, s.HitRate)
}

// Lener is anything with a length, such as a task queue.
type Lener interface {
	Len() int
}

// NewQueueDepthGauge exposes the number of queued tasks.
func NewQueueDepthGauge(q Lener) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting in the worker queue.",
		},
		func() float64 { return float64(q.Len()) },
	)
}
