package stats

import (
	"testing"
	"time"
)

func TestSnapshotQuantiles(t *testing.T) {
	tracker := NewLatencyTracker()

	for i := 1; i <= 100; i++ {
		tracker.Observe("navigations", time.Duration(i)*time.Millisecond)
	}

	snap := tracker.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot has %d tables, want 1", len(snap))
	}
	s := snap[0]
	if s.Table != "navigations" {
		t.Fatalf("table = %q", s.Table)
	}
	if s.Count != 100 {
		t.Fatalf("count = %d, want 100", s.Count)
	}

	// 1% relative accuracy: p50 of 1..100ms is near 50ms.
	if s.P50 < 45*time.Millisecond || s.P50 > 55*time.Millisecond {
		t.Fatalf("p50 = %s, want ~50ms", s.P50)
	}
	if s.P99 < 90*time.Millisecond || s.P99 > 101*time.Millisecond {
		t.Fatalf("p99 = %s, want ~99ms", s.P99)
	}
	if s.P50 > s.P95 || s.P95 > s.P99 {
		t.Fatalf("quantiles out of order: %s %s %s", s.P50, s.P95, s.P99)
	}
}

func TestSnapshotSortedByTable(t *testing.T) {
	tracker := NewLatencyTracker()
	tracker.Observe("zeta", time.Millisecond)
	tracker.Observe("alpha", time.Millisecond)
	tracker.Observe("mid", time.Millisecond)

	snap := tracker.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d tables, want 3", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Table >= snap[i].Table {
			t.Fatalf("snapshot not sorted: %q before %q", snap[i-1].Table, snap[i].Table)
		}
	}
}

func TestEmptyTrackerSnapshot(t *testing.T) {
	tracker := NewLatencyTracker()
	if snap := tracker.Snapshot(); len(snap) != 0 {
		t.Fatalf("empty tracker snapshot has %d entries", len(snap))
	}
}
