package backends

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrWrongType is returned when an operation is applied to a key holding the
// wrong kind of value, e.g. Incr on a non-integer or Append on a scalar.
var ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

// Backend defines the operations the instrumentation layer needs from a
// key-value store. Each operation must be atomic at the store, but callers
// never rely on atomicity across operations.
// Implementations can be swapped to use different storage mechanisms.
type Backend interface {
	// Set stores value under key, replacing any previous value and clearing any expiry.
	Set(ctx context.Context, key string, value []byte) error

	// Get returns the value stored under key.
	// miss is true if the key does not exist or has expired.
	Get(ctx context.Context, key string) (value []byte, miss bool, err error)

	// Incr increments the integer stored under key by one and returns the new value.
	// A missing key counts as zero.
	Incr(ctx context.Context, key string) (int64, error)

	// Append adds item to the end of the list stored under key, creating it if needed.
	Append(ctx context.Context, key string, item []byte) error

	// Range returns the items of the list under key between start and stop inclusive.
	// Negative indices count from the end of the list (-1 is the last item).
	// A missing key is an empty list.
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// SetWithExpiry stores value under key so that it reads as missing once ttl elapses.
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Clear removes all entries from the store.
	Clear(ctx context.Context) error

	// Close performs any cleanup operations needed by the backend.
	Close() error
}

// rangeBounds converts Redis-style inclusive list bounds into slice bounds for a
// list of length n. ok is false when the selection is empty.
func rangeBounds(n, start, stop int64) (lo, hi int64, ok bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}

// sliceRange applies Redis-style bounds to items and copies the selection.
func sliceRange(items [][]byte, start, stop int64) [][]byte {
	lo, hi, ok := rangeBounds(int64(len(items)), start, stop)
	if !ok {
		return [][]byte{}
	}
	out := make([][]byte, 0, hi-lo)
	for _, item := range items[lo:hi] {
		out = append(out, cloneBytes(item))
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// parseCounter decodes a stored counter. Non-integer values are ErrWrongType.
func parseCounter(value []byte) (int64, error) {
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, ErrWrongType
	}
	return n, nil
}
