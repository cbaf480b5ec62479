package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencyTracker tracks latency quantiles per store operation using DDSketch.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a new latency tracker with DDSketch.
// relativeAccuracy determines the accuracy of quantile estimates (e.g., 0.01 = 1% accuracy)
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record records a duration for the given operation.
func (lt *LatencyTracker) Record(operation string, duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			// Fallback to default sketch if there's an error
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}

	// Milliseconds, with microsecond resolution.
	sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// RecordFunc wraps a function and records its execution time.
// The duration is recorded whether or not fn fails.
func (lt *LatencyTracker) RecordFunc(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	lt.Record(operation, time.Since(start))
	return err
}

// Stats holds common statistics for an operation. Durations are in milliseconds.
type Stats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P90       float64
	P95       float64
	P99       float64
	Max       float64
}

// GetQuantile returns the value at the given quantile for the operation.
// quantile should be between 0 and 1 (e.g., 0.5 for median, 0.99 for p99).
func (lt *LatencyTracker) GetQuantile(operation string, quantile float64) (float64, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		return 0, fmt.Errorf("no data for operation: %s", operation)
	}

	return sketch.GetValueAtQuantile(quantile)
}

// GetStats returns statistics for the given operation.
func (lt *LatencyTracker) GetStats(operation string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}
	return statsFor(operation, sketch), nil
}

// GetAllStats returns statistics for all tracked operations, sorted by operation name.
func (lt *LatencyTracker) GetAllStats() []Stats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	stats := make([]Stats, 0, len(lt.sketches))
	for operation, sketch := range lt.sketches {
		stats = append(stats, statsFor(operation, sketch))
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Operation < stats[j].Operation
	})
	return stats
}

// statsFor summarizes a sketch. Caller holds lt.mu.
func statsFor(operation string, sketch *ddsketch.DDSketch) Stats {
	count := sketch.GetCount()
	if count == 0 {
		return Stats{Operation: operation}
	}

	min, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p95, _ := sketch.GetValueAtQuantile(0.95)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	max, _ := sketch.GetMaxValue()

	return Stats{
		Operation: operation,
		Count:     int64(count),
		Min:       min,
		P50:       p50,
		P90:       p90,
		P95:       p95,
		P99:       p99,
		Max:       max,
	}
}

// String returns a human-readable line for the statistics.
func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Operation)
	}
	return fmt.Sprintf("  %s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p95=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P95, s.P99, s.Max)
}
