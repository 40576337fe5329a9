// Package metrics exposes transfer progress as Prometheus metrics,
// subscribed to the event bus in internal/progress. The collector
// shape (mutex-guarded map, Describe/Collect walking it under lock)
// mirrors sockstats's TCPInfoCollector.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LordixDemon/toolza-sender/internal/progress"
)

type entryState struct {
	bytesSent     float64
	totalBytes    float64
	throughputBps float64
}

// sessionCounters tracks the finished/failed/skipped totals for one
// session, kept separate from entryState because those three counters
// are labeled only by session (§4.7) — aggregating them per entry
// would emit the same (session)-labeled series once per entry and
// make Collect produce duplicate timeseries.
type sessionCounters struct {
	finished float64
	failed   float64
	skipped  float64
}

// Collector implements prometheus.Collector, fed by a progress.Bus
// subscription. It is the concrete metrics consumer named in §4.7;
// the GUI/CLI/history consumers that could also subscribe to the same
// bus are out of scope here.
type Collector struct {
	mu       sync.Mutex
	entries  map[string]*entryState
	sessions map[string]*sessionCounters

	bytesSent     *prometheus.Desc
	totalBytes    *prometheus.Desc
	throughputBps *prometheus.Desc
	finished      *prometheus.Desc
	failed        *prometheus.Desc
	skipped       *prometheus.Desc
}

// NewCollector returns a Collector with no entries yet. Call Run to
// start consuming a bus.
func NewCollector() *Collector {
	return &Collector{
		entries:  make(map[string]*entryState),
		sessions: make(map[string]*sessionCounters),
		bytesSent: prometheus.NewDesc(
			"toolza_entry_bytes_sent", "Bytes sent for a transfer entry.",
			[]string{"session", "entry"}, nil),
		totalBytes: prometheus.NewDesc(
			"toolza_entry_bytes_total", "Total size of a transfer entry.",
			[]string{"session", "entry"}, nil),
		throughputBps: prometheus.NewDesc(
			"toolza_entry_throughput_bps", "Most recent throughput sample for a transfer entry.",
			[]string{"session", "entry"}, nil),
		finished: prometheus.NewDesc(
			"toolza_entries_finished_total", "Entries that finished successfully.",
			[]string{"session"}, nil),
		failed: prometheus.NewDesc(
			"toolza_entries_failed_total", "Entries that failed.",
			[]string{"session"}, nil),
		skipped: prometheus.NewDesc(
			"toolza_entries_skipped_total", "Entries skipped by sync mode.",
			[]string{"session"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.bytesSent
	descs <- c.totalBytes
	descs <- c.throughputBps
	descs <- c.finished
	descs <- c.failed
	descs <- c.skipped
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(out chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		session, entry := splitKey(key)
		out <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.GaugeValue, e.bytesSent, session, entry)
		out <- prometheus.MustNewConstMetric(c.totalBytes, prometheus.GaugeValue, e.totalBytes, session, entry)
		out <- prometheus.MustNewConstMetric(c.throughputBps, prometheus.GaugeValue, e.throughputBps, session, entry)
	}
	for session, sc := range c.sessions {
		out <- prometheus.MustNewConstMetric(c.finished, prometheus.CounterValue, sc.finished, session)
		out <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, sc.failed, session)
		out <- prometheus.MustNewConstMetric(c.skipped, prometheus.CounterValue, sc.skipped, session)
	}
}

// Run consumes events from bus until ctx-style cancellation arrives
// via the channel closing (the caller cancels by calling the bus
// subscription's cancel func). It is meant to run on its own
// goroutine for the lifetime of the process.
func (c *Collector) Run(events <-chan progress.Event) {
	for e := range events {
		c.apply(e)
	}
}

func (c *Collector) apply(e progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := e.SessionID + "\x00" + e.EntryPath
	st, ok := c.entries[key]
	if !ok {
		st = &entryState{}
		c.entries[key] = st
	}
	sc, ok := c.sessions[e.SessionID]
	if !ok {
		sc = &sessionCounters{}
		c.sessions[e.SessionID] = sc
	}

	switch e.Kind {
	case progress.Started:
		st.totalBytes = float64(e.TotalBytes)
	case progress.Progress:
		st.bytesSent = float64(e.BytesSent)
		st.totalBytes = float64(e.TotalBytes)
		st.throughputBps = e.ThroughputBps
	case progress.Finished:
		if e.TotalBytes > 0 {
			st.totalBytes = float64(e.TotalBytes)
		}
		st.bytesSent = st.totalBytes
		sc.finished++
	case progress.Skipped:
		sc.skipped++
	case progress.Failed:
		sc.failed++
	case progress.SessionEnded:
		// Per-entry and per-session state is left in place for a final
		// scrape; the bus subscriber is expected to be cancelled by the
		// caller once the session's metrics have been collected.
	}
}

func splitKey(key string) (session, entry string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
