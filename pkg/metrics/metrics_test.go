package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestLatencyTracker(t *testing.T) {
	tracker := NewLatencyTracker(0.01)

	operations := []string{"get", "set", "incr", "append"}

	for _, op := range operations {
		tracker.Record(op, 1*time.Millisecond)
		tracker.Record(op, 5*time.Millisecond)
		tracker.Record(op, 10*time.Millisecond)
		tracker.Record(op, 50*time.Millisecond)
		tracker.Record(op, 100*time.Millisecond)
	}

	for _, op := range operations {
		stats, err := tracker.GetStats(op)
		if err != nil {
			t.Errorf("Failed to get stats for %s: %v", op, err)
			continue
		}

		if stats.Count != 5 {
			t.Errorf("Expected count 5 for %s, got %d", op, stats.Count)
		}

		if stats.Min < 0.9 || stats.Min > 1.1 {
			t.Errorf("Expected min ~1ms for %s, got %.2fms", op, stats.Min)
		}

		if stats.Max < 99 || stats.Max > 101 {
			t.Errorf("Expected max ~100ms for %s, got %.2fms", op, stats.Max)
		}

		if stats.P50 < 5 || stats.P50 > 15 {
			t.Errorf("Expected p50 ~10ms for %s, got %.2fms", op, stats.P50)
		}
	}

	_, err := tracker.GetStats("nonexistent")
	if err == nil {
		t.Error("Expected error for non-existent operation, got nil")
	}
}

func TestLatencyTrackerGetAllStatsSorted(t *testing.T) {
	tracker := NewLatencyTracker(0.01)
	for _, op := range []string{"set", "append", "get"} {
		tracker.Record(op, time.Millisecond)
	}

	all := tracker.GetAllStats()
	if len(all) != 3 {
		t.Fatalf("Expected 3 operations, got %d", len(all))
	}
	want := []string{"append", "get", "set"}
	for i, stats := range all {
		if stats.Operation != want[i] {
			t.Errorf("Expected operation %q at %d, got %q", want[i], i, stats.Operation)
		}
	}
}

func TestLatencyTrackerRecordFunc(t *testing.T) {
	tracker := NewLatencyTracker(0.01)

	err := tracker.RecordFunc("get", func() error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Errorf("RecordFunc returned error: %v", err)
	}

	boom := errors.New("boom")
	err = tracker.RecordFunc("get", func() error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("Expected RecordFunc to return the wrapped error, got %v", err)
	}

	stats, err := tracker.GetStats("get")
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Count != 2 {
		t.Errorf("Expected count 2, got %d", stats.Count)
	}
	if stats.Max < 9 {
		t.Errorf("Expected max >= 9ms, got %.2fms", stats.Max)
	}
}

func TestStatsString(t *testing.T) {
	stats := Stats{
		Operation: "get",
		Count:     100,
		Min:       1.5,
		P50:       10.2,
		P90:       50.7,
		P95:       75.3,
		P99:       99.1,
		Max:       120.5,
	}

	expected := "  get (n=100): min=1.50ms p50=10.20ms p90=50.70ms p95=75.30ms p99=99.10ms max=120.50ms"
	if str := stats.String(); str != expected {
		t.Errorf("Expected:\n%s\nGot:\n%s", expected, str)
	}

	emptyStats := Stats{Operation: "range"}
	if str := emptyStats.String(); str != "  range: no data" {
		t.Errorf("Expected:\n  range: no data\nGot:\n%s", str)
	}
}

func BenchmarkLatencyTrackerRecord(b *testing.B) {
	tracker := NewLatencyTracker(0.01)
	duration := 10 * time.Millisecond

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.Record("get", duration)
	}
}
