// Package metrics exposes proactor and link statistics to Prometheus.
//
// Link counters live in the link manager and are mirrored at scrape time;
// the proactor's own counters are updated directly. Everything is
// registered on a private registry so several proactors can share one
// process in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thegridelectric/gwproactor/internal/link"
)

const namespace = "gwp"

// Source supplies link statistics.
type Source interface {
	Snapshot() link.Snapshot
}

// Collector owns the registry for one proactor.
type Collector struct {
	registry *prometheus.Registry
	source   Source

	linkState    *prometheus.Desc
	sent         *prometheus.Desc
	received     *prometheus.Desc
	commEvents   *prometheus.Desc
	acks         *prometheus.Desc
	reuploads    *prometheus.Desc
	transitions  *prometheus.Desc
	pending      *prometheus.Desc
	eventsByType *prometheus.Desc

	dispatched      *prometheus.CounterVec
	problems        *prometheus.CounterVec
	watchdogMissed  *prometheus.CounterVec
	communicators   prometheus.Gauge
	dispatchLatency prometheus.Histogram
}

// NewCollector builds a collector reading link stats from source. Process
// and Go runtime collectors are registered alongside.
func NewCollector(name string, source Source) *Collector {
	constLabels := prometheus.Labels{"proactor": name}
	desc := func(metric, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "link", metric), help, labels, constLabels)
	}
	c := &Collector{
		registry:     prometheus.NewRegistry(),
		source:       source,
		linkState:    desc("state", "1 for the current state of each link.", "link", "state"),
		sent:         desc("messages_sent_total", "Messages published per link and type.", "link", "type"),
		received:     desc("messages_received_total", "Messages received per link and type.", "link", "type"),
		commEvents:   desc("comm_events_total", "Comm events generated per link and type.", "link", "type"),
		acks:         desc("acks_total", "Terminal ack outcomes per link.", "link", "outcome"),
		reuploads:    desc("reuploads_total", "Event reuploads started and completed.", "link", "phase"),
		transitions:  desc("transitions_total", "State changes per link.", "link"),
		pending:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "events", "pending"), "Persisted events awaiting an upstream ack.", nil, constLabels),
		eventsByType: prometheus.NewDesc(prometheus.BuildFQName(namespace, "events", "generated_total"), "Events generated per type.", []string{"type"}, constLabels),

		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "proactor",
			Name:        "messages_dispatched_total",
			Help:        "Messages taken off the receive queue, per type.",
			ConstLabels: constLabels,
		}, []string{"type"}),
		problems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "proactor",
			Name:        "problems_total",
			Help:        "Problem events generated, per kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		watchdogMissed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "watchdog",
			Name:        "missed_pats_total",
			Help:        "Watchdog intervals that passed without a pat.",
			ConstLabels: constLabels,
		}, []string{"name"}),
		communicators: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "proactor",
			Name:        "communicators",
			Help:        "Registered communicators.",
			ConstLabels: constLabels,
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "proactor",
			Name:        "dispatch_seconds",
			Help:        "Time spent handling one message.",
			ConstLabels: constLabels,
			Buckets:     []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
	}
	c.registry.MustRegister(
		c,
		c.dispatched,
		c.problems,
		c.watchdogMissed,
		c.communicators,
		c.dispatchLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Describe implements prometheus.Collector for the mirrored link stats.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.linkState, c.sent, c.received, c.commEvents, c.acks,
		c.reuploads, c.transitions, c.pending, c.eventsByType,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector for the mirrored link stats.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}
	snap := c.source.Snapshot()
	counter := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	for _, l := range snap.Links {
		for _, s := range link.States {
			v := 0.0
			if s == l.State {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.linkState, prometheus.GaugeValue, v, l.Name, string(s))
		}
		for typ, n := range l.Sent {
			counter(c.sent, n, l.Name, typ)
		}
		for typ, n := range l.Received {
			counter(c.received, n, l.Name, typ)
		}
		for typ, n := range l.CommEvents {
			counter(c.commEvents, n, l.Name, typ)
		}
		counter(c.acks, l.Acked, l.Name, string(link.OutcomeAcked))
		counter(c.acks, l.Timeouts, l.Name, string(link.OutcomeTimeout))
		counter(c.acks, l.ConnectionFailures, l.Name, string(link.OutcomeConnectionFailure))
		counter(c.reuploads, l.ReuploadsStarted, l.Name, "started")
		counter(c.reuploads, l.ReuploadsCompleted, l.Name, "completed")
		counter(c.transitions, l.Transitions, l.Name)
	}
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(snap.NumPending))
	for typ, n := range snap.Events {
		counter(c.eventsByType, n, typ)
	}
}

// Dispatched counts one message taken off the receive queue.
func (c *Collector) Dispatched(typeName string, seconds float64) {
	c.dispatched.WithLabelValues(typeName).Inc()
	c.dispatchLatency.Observe(seconds)
}

// Problem counts one generated problem event.
func (c *Collector) Problem(kind string) {
	c.problems.WithLabelValues(kind).Inc()
}

// WatchdogMissed counts one missed pat for name.
func (c *Collector) WatchdogMissed(name string) {
	c.watchdogMissed.WithLabelValues(name).Inc()
}

// SetCommunicators records the number of registered communicators.
func (c *Collector) SetCommunicators(n int) {
	c.communicators.Set(float64(n))
}
