package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LordixDemon/toolza-sender/internal/progress"
)

func TestCollectorAppliesStartedAndProgress(t *testing.T) {
	c := NewCollector()
	c.apply(progress.Event{Kind: progress.Started, SessionID: "s1", EntryPath: "a.txt", TotalBytes: 100})
	c.apply(progress.Event{Kind: progress.Progress, SessionID: "s1", EntryPath: "a.txt", BytesSent: 40, TotalBytes: 100, ThroughputBps: 1234})

	st, ok := c.entries["s1\x00a.txt"]
	if !ok {
		t.Fatal("expected entry state for s1/a.txt")
	}
	if st.bytesSent != 40 {
		t.Fatalf("bytesSent = %v, want 40", st.bytesSent)
	}
	if st.throughputBps != 1234 {
		t.Fatalf("throughputBps = %v, want 1234", st.throughputBps)
	}
}

func TestCollectorCountsFinishedFailedSkipped(t *testing.T) {
	c := NewCollector()
	c.apply(progress.Event{Kind: progress.Finished, SessionID: "s1", EntryPath: "a.txt", TotalBytes: 100})
	c.apply(progress.Event{Kind: progress.Failed, SessionID: "s1", EntryPath: "b.txt"})
	c.apply(progress.Event{Kind: progress.Skipped, SessionID: "s1", EntryPath: "c.txt"})

	sc, ok := c.sessions["s1"]
	if !ok {
		t.Fatal("expected session counters for s1")
	}
	if sc.finished != 1 {
		t.Fatal("expected finished counter incremented")
	}
	if sc.failed != 1 {
		t.Fatal("expected failed counter incremented")
	}
	if sc.skipped != 1 {
		t.Fatal("expected skipped counter incremented")
	}
}

// TestCollectEmitsOneSeriesPerSessionCounter guards against the
// duplicate-series bug: a session with multiple entries must still
// emit each of finished/failed/skipped exactly once, since those
// counters are labeled only by session, not by entry.
func TestCollectEmitsOneSeriesPerSessionCounter(t *testing.T) {
	c := NewCollector()
	c.apply(progress.Event{Kind: progress.Finished, SessionID: "s1", EntryPath: "a.txt", TotalBytes: 100})
	c.apply(progress.Event{Kind: progress.Finished, SessionID: "s1", EntryPath: "b.txt", TotalBytes: 100})
	c.apply(progress.Event{Kind: progress.Finished, SessionID: "s1", EntryPath: "c.txt", TotalBytes: 100})

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(c)
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather: %v (duplicate timeseries for a multi-entry session)", err)
	}
}

func TestRunConsumesBusEvents(t *testing.T) {
	bus := progress.NewBus()
	defer bus.Close()
	events, cancel := bus.Subscribe()
	defer cancel()

	c := NewCollector()
	go c.Run(events)

	bus.Publish(progress.Event{Kind: progress.Started, SessionID: "s1", EntryPath: "a.txt", TotalBytes: 10})
	bus.Publish(progress.Event{Kind: progress.Finished, SessionID: "s1", EntryPath: "a.txt"})

	// Describe must not panic even while Run is consuming
	// concurrently; exercised mainly to catch data races under -race.
	descs := make(chan *prometheus.Desc, 16)
	c.Describe(descs)
	close(descs)
	if len(descs) != 6 {
		t.Fatal("Describe did not emit the expected fixed set of descriptors")
	}
}

func TestSplitKey(t *testing.T) {
	session, entry := splitKey("s1\x00a/b.txt")
	if session != "s1" || entry != "a/b.txt" {
		t.Fatalf("splitKey = (%q, %q), want (%q, %q)", session, entry, "s1", "a/b.txt")
	}
}
