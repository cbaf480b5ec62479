package backends_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/richardartoul/storetrace/backends"
	"github.com/richardartoul/storetrace/backends/backendtest"
	"github.com/richardartoul/storetrace/pkg/metrics"
)

func TestDebugBackendConformance(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	suite.Run(t, &backendtest.Suite{
		NewBackend: func(now func() time.Time) backends.Backend {
			return backends.NewDebug(backends.NewMemory(backends.WithClock(now)), logger)
		},
	})
}

func TestTimedBackendConformance(t *testing.T) {
	suite.Run(t, &backendtest.Suite{
		NewBackend: func(now func() time.Time) backends.Backend {
			return backends.NewTimed(backends.NewMemory(backends.WithClock(now)), metrics.NewLatencyTracker(0.01))
		},
	})
}

func TestDebugLogsCalls(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d := backends.NewDebug(backends.NewMemory(), logger)

	require.NoError(t, d.Set(ctx, "k", []byte("v")))
	_, miss, err := d.Get(ctx, "missing")
	require.NoError(t, err)
	assert.True(t, miss)
	n, err := d.Incr(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	out := buf.String()
	assert.Contains(t, out, "msg=set component=backend key=k size=1")
	assert.Contains(t, out, "msg=\"get miss\" component=backend key=missing")
	assert.Contains(t, out, "msg=incr component=backend key=c value=1")
}

func TestDebugPropagatesErrors(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d := backends.NewDebug(backends.NewMemory(), logger)

	require.NoError(t, d.Set(ctx, "text", []byte("foo")))
	_, err := d.Incr(ctx, "text")
	assert.True(t, errors.Is(err, backends.ErrWrongType))
	assert.Contains(t, buf.String(), "incr failed")
}

func TestTimedRecordsEveryOperation(t *testing.T) {
	ctx := context.Background()
	tracker := metrics.NewLatencyTracker(0.01)
	timed := backends.NewTimed(backends.NewMemory(), tracker)
	assert.Same(t, tracker, timed.Tracker())

	require.NoError(t, timed.Set(ctx, "k", []byte("v")))
	_, _, err := timed.Get(ctx, "k")
	require.NoError(t, err)
	_, _, err = timed.Get(ctx, "other")
	require.NoError(t, err)
	require.NoError(t, timed.Append(ctx, "l", []byte("x")))
	_, err = timed.Range(ctx, "l", 0, -1)
	require.NoError(t, err)

	// Failed calls are timed too.
	_, err = timed.Incr(ctx, "k")
	require.ErrorIs(t, err, backends.ErrWrongType)

	get, err := tracker.GetStats("get")
	require.NoError(t, err)
	assert.Equal(t, int64(2), get.Count)

	for _, op := range []string{"set", "append", "range", "incr"} {
		stats, err := tracker.GetStats(op)
		require.NoError(t, err, op)
		assert.Equal(t, int64(1), stats.Count, op)
	}
}
