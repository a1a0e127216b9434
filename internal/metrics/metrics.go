// Package metrics exposes the live stream's Prometheus collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "prayerfeed_stream"

// Collector is a prometheus.Collector for the live stream. A nil *Collector
// is valid and records nothing, which keeps tests free of registry setup.
type Collector struct {
	connections      prometheus.Gauge
	rejected         prometheus.Counter
	emitted          prometheus.Counter
	replayed         prometheus.Counter
	withheld         prometheus.Counter
	probes           *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	connectionLength prometheus.Histogram
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "The number of open stream connections.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused because the server was at its connection limit.",
		}),
		emitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Change events appended to the event log and written to a client.",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_replayed_total",
			Help:      "Buffered events written to reconnecting clients.",
		}),
		withheld: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emissions_withheld_total",
			Help:      "Detected changes deferred by the per-connection emission interval.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Backing store snapshot probes by result.",
		}, []string{"result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_lookups_total",
			Help:      "Snapshot cache lookups by outcome.",
		}, []string{"outcome"}),
		connectionLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "How long clients keep the stream open.",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600},
		}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.connections.Describe(ch)
	c.rejected.Describe(ch)
	c.emitted.Describe(ch)
	c.replayed.Describe(ch)
	c.withheld.Describe(ch)
	c.probes.Describe(ch)
	c.cacheLookups.Describe(ch)
	c.connectionLength.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.connections.Collect(ch)
	c.rejected.Collect(ch)
	c.emitted.Collect(ch)
	c.replayed.Collect(ch)
	c.withheld.Collect(ch)
	c.probes.Collect(ch)
	c.cacheLookups.Collect(ch)
	c.connectionLength.Collect(ch)
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

// ConnectionClosed records the end of a connection that lasted seconds.
func (c *Collector) ConnectionClosed(seconds float64) {
	if c == nil {
		return
	}
	c.connections.Dec()
	c.connectionLength.Observe(seconds)
}

func (c *Collector) ConnectionRejected() {
	if c == nil {
		return
	}
	c.rejected.Inc()
}

func (c *Collector) EventEmitted() {
	if c == nil {
		return
	}
	c.emitted.Inc()
}

func (c *Collector) EventsReplayed(n int) {
	if c == nil {
		return
	}
	c.replayed.Add(float64(n))
}

func (c *Collector) EmissionWithheld() {
	if c == nil {
		return
	}
	c.withheld.Inc()
}

// Probe records a backing store probe; err decides the result label.
func (c *Collector) Probe(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.probes.WithLabelValues(result).Inc()
}

// CacheLookup records whether a snapshot was served from the cache.
func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	c.cacheLookups.WithLabelValues(outcome).Inc()
}
