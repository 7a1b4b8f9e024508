// Package metrics exports GcLock counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llxisdsh/gclock"
)

// Source is anything that can snapshot lock counters. *gclock.GcLock and
// *gclock.SharedGcLock both satisfy it.
type Source interface {
	Stats() gclock.Stats
}

// Collector reads a Source on every scrape. It holds no state of its own,
// so values are never stale.
type Collector struct {
	src Source

	epoch         *prometheus.Desc
	capacity      *prometheus.Desc
	registered    *prometheus.Desc
	active        *prometheus.Desc
	exclusiveHeld *prometheus.Desc
	pending       *prometheus.Desc
	pendingShared *prometheus.Desc
	fired         *prometheus.Desc
	barriers      *prometheus.Desc
}

// NewCollector returns a collector for src. labels are attached to every
// series, typically the segment name of a shared lock.
func NewCollector(src Source, labels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("gclock", "", name), help, nil, labels)
	}
	return &Collector{
		src:           src,
		epoch:         desc("epoch", "Current epoch counter."),
		capacity:      desc("entries_capacity", "Number of registry slots."),
		registered:    desc("entries_registered", "Registry slots currently claimed."),
		active:        desc("entries_active", "Entries inside a shared or exclusive section."),
		exclusiveHeld: desc("exclusive_held", "1 while some entry holds the exclusive section."),
		pending:       desc("deferred_pending", "Deferred callbacks queued in this process."),
		pendingShared: desc("deferred_pending_all", "Deferred callbacks queued across every process sharing the lock."),
		fired:         desc("deferred_fired_total", "Deferred callbacks run."),
		barriers:      desc("barriers_total", "Completed visible and defer barriers."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.epoch
	ch <- c.capacity
	ch <- c.registered
	ch <- c.active
	ch <- c.exclusiveHeld
	ch <- c.pending
	ch <- c.pendingShared
	ch <- c.fired
	ch <- c.barriers
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	held := 0.0
	if s.ExclusiveSlot >= 0 {
		held = 1
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	gauge(c.epoch, float64(s.Epoch))
	gauge(c.capacity, float64(s.Capacity))
	gauge(c.registered, float64(s.Registered))
	gauge(c.active, float64(s.Active))
	gauge(c.exclusiveHeld, held)
	gauge(c.pending, float64(s.PendingDeferred))
	gauge(c.pendingShared, float64(s.PendingShared))
	ch <- prometheus.MustNewConstMetric(c.fired, prometheus.CounterValue, float64(s.FiredDeferred))
	ch <- prometheus.MustNewConstMetric(c.barriers, prometheus.CounterValue, float64(s.Barriers))
}

// Handler registers a collector for src on a fresh registry, alongside the
// Go runtime and process collectors, and returns its /metrics handler.
func Handler(src Source, labels prometheus.Labels) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(src, labels)); err != nil {
		return nil, err
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
