package instrument

import (
	"context"
	"fmt"
	"strconv"

	"github.com/richardartoul/storetrace/backends"
	"github.com/richardartoul/storetrace/errs"
)

// CountingOperation increments the operation's call counter before every
// call, including calls that go on to fail.
type CountingOperation[A, R any] struct {
	inner   Operation[A, R]
	backend backends.Backend
}

// Counting wraps inner with a call counter.
func Counting[A, R any](inner Operation[A, R], backend backends.Backend) *CountingOperation[A, R] {
	return &CountingOperation[A, R]{inner: inner, backend: backend}
}

func (c *CountingOperation[A, R]) Identity() string {
	return c.inner.Identity()
}

// Call increments the counter and delegates. If the increment fails the inner
// operation is not invoked.
func (c *CountingOperation[A, R]) Call(ctx context.Context, arg A) (R, error) {
	identity := c.inner.Identity()
	if _, err := c.backend.Incr(ctx, identity); err != nil {
		var zero R
		return zero, errs.Store("incr", identity, err)
	}
	return c.inner.Call(ctx, arg)
}

// Count returns how many times the operation named identity has been called.
// An operation that was never called has a count of zero.
func Count(ctx context.Context, backend backends.Backend, identity string) (int64, error) {
	n, _, err := readCounter(ctx, backend, identity)
	return n, err
}

func readCounter(ctx context.Context, backend backends.Backend, identity string) (n int64, found bool, err error) {
	value, miss, err := backend.Get(ctx, identity)
	if err != nil {
		return 0, false, errs.Store("get", identity, err)
	}
	if miss {
		return 0, false, nil
	}
	n, err = strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, false, &errs.DecodeError{Key: identity, Err: fmt.Errorf("call counter is not an integer: %w", err)}
	}
	return n, true, nil
}
