package backends

import (
	"context"
	"time"

	"github.com/richardartoul/storetrace/pkg/metrics"
)

// Timed wraps any Backend and records the latency of every operation in a
// LatencyTracker, keyed by operation name. Failed operations are recorded too.
type Timed struct {
	backend Backend
	tracker *metrics.LatencyTracker
}

// NewTimed creates a new timing wrapper around an existing backend.
func NewTimed(backend Backend, tracker *metrics.LatencyTracker) *Timed {
	return &Timed{
		backend: backend,
		tracker: tracker,
	}
}

// Tracker returns the tracker the wrapper records into.
func (t *Timed) Tracker() *metrics.LatencyTracker {
	return t.tracker
}

func (t *Timed) Set(ctx context.Context, key string, value []byte) error {
	return t.tracker.RecordFunc("set", func() error {
		return t.backend.Set(ctx, key, value)
	})
}

func (t *Timed) Get(ctx context.Context, key string) (value []byte, miss bool, err error) {
	err = t.tracker.RecordFunc("get", func() error {
		var getErr error
		value, miss, getErr = t.backend.Get(ctx, key)
		return getErr
	})
	return value, miss, err
}

func (t *Timed) Incr(ctx context.Context, key string) (n int64, err error) {
	err = t.tracker.RecordFunc("incr", func() error {
		var incrErr error
		n, incrErr = t.backend.Incr(ctx, key)
		return incrErr
	})
	return n, err
}

func (t *Timed) Append(ctx context.Context, key string, item []byte) error {
	return t.tracker.RecordFunc("append", func() error {
		return t.backend.Append(ctx, key, item)
	})
}

func (t *Timed) Range(ctx context.Context, key string, start, stop int64) (items [][]byte, err error) {
	err = t.tracker.RecordFunc("range", func() error {
		var rangeErr error
		items, rangeErr = t.backend.Range(ctx, key, start, stop)
		return rangeErr
	})
	return items, err
}

func (t *Timed) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return t.tracker.RecordFunc("set_with_expiry", func() error {
		return t.backend.SetWithExpiry(ctx, key, value, ttl)
	})
}

func (t *Timed) Clear(ctx context.Context) error {
	return t.tracker.RecordFunc("clear", func() error {
		return t.backend.Clear(ctx)
	})
}

func (t *Timed) Close() error {
	return t.backend.Close()
}
