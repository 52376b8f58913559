// Package stats tracks storage-write latency distributions.
//
// Each table gets a DDSketch (1% relative accuracy), cheap enough to
// update on every write. The controller logs a per-table summary on idle
// commits and at shutdown, which is where slow providers show up first.
package stats

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/packrat/internal/types"
)

// relativeAccuracy is the DDSketch accuracy guarantee: quantile estimates
// are within 1% of the true value.
const relativeAccuracy = 0.01

// LatencyTracker maintains per-table write-latency sketches.
// It is safe for concurrent use.
type LatencyTracker struct {
	mu       sync.Mutex
	sketches map[types.TableName]*ddsketch.DDSketch
}

// TableLatency is a point-in-time latency summary for one table.
type TableLatency struct {
	Table types.TableName
	Count int64
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// NewLatencyTracker creates an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{
		sketches: make(map[types.TableName]*ddsketch.DDSketch),
	}
}

// Observe records one write latency for a table.
func (t *LatencyTracker) Observe(table types.TableName, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sketch, ok := t.sketches[table]
	if !ok {
		var err error
		sketch, err = ddsketch.NewDefaultDDSketch(relativeAccuracy)
		if err != nil {
			// Only reachable with an invalid accuracy constant.
			return
		}
		t.sketches[table] = sketch
	}
	sketch.Add(float64(d.Microseconds()))
}

// Snapshot returns per-table summaries, sorted by table name.
func (t *LatencyTracker) Snapshot() []TableLatency {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TableLatency, 0, len(t.sketches))
	for table, sketch := range t.sketches {
		summary := TableLatency{
			Table: table,
			Count: int64(sketch.GetCount()),
		}
		summary.P50 = quantile(sketch, 0.50)
		summary.P95 = quantile(sketch, 0.95)
		summary.P99 = quantile(sketch, 0.99)
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// LogSummary writes one log line per table to the given logger.
func (t *LatencyTracker) LogSummary(log *slog.Logger) {
	for _, s := range t.Snapshot() {
		log.Info("write latency",
			"table", string(s.Table),
			"writes", s.Count,
			"p50", s.P50.String(),
			"p95", s.P95.String(),
			"p99", s.P99.String(),
		)
	}
}

func quantile(sketch *ddsketch.DDSketch, q float64) time.Duration {
	v, err := sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return time.Duration(v) * time.Microsecond
}
