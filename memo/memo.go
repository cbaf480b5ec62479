// Package memo caches the results of an expensive fetch in a backend for a
// fixed time-to-live, and counts every access per resource.
package memo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/richardartoul/storetrace/backends"
	"github.com/richardartoul/storetrace/errs"
	"github.com/richardartoul/storetrace/pkg/locking"
)

// DefaultTTL is how long fetched content stays cached.
const DefaultTTL = 10 * time.Second

// Fetcher produces the content of a resource.
type Fetcher interface {
	Fetch(ctx context.Context, resourceID string) ([]byte, error)
}

// FetcherFunc adapts a function to a Fetcher.
type FetcherFunc func(ctx context.Context, resourceID string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, resourceID string) ([]byte, error) {
	return f(ctx, resourceID)
}

// CountKey holds the access counter of a resource.
func CountKey(resourceID string) string {
	return "count:" + resourceID
}

// CacheKey holds the cached content of a resource.
func CacheKey(resourceID string) string {
	return "cached:" + resourceID
}

// Memoizer serves resources from the backend when cached and from the
// Fetcher otherwise. Concurrent misses for one resource are collapsed through
// a locking.Group: callers queued behind a fetch re-check the cache first.
type Memoizer struct {
	backend backends.Backend
	fetcher Fetcher
	ttl     time.Duration
	locks   locking.Group
	logger  *slog.Logger
	metrics *memoMetrics
	reg     prometheus.Registerer
}

// Option configures a Memoizer.
type Option func(*Memoizer)

// WithTTL sets how long fetched content stays cached.
func WithTTL(ttl time.Duration) Option {
	return func(m *Memoizer) {
		m.ttl = ttl
	}
}

// WithLockGroup sets the group used to collapse concurrent misses.
func WithLockGroup(g locking.Group) Option {
	return func(m *Memoizer) {
		m.locks = g
	}
}

// WithRegisterer registers the hit, miss and fetch error counters.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Memoizer) {
		m.reg = reg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Memoizer) {
		m.logger = logger
	}
}

// New creates a Memoizer caching fetcher's results in backend.
func New(backend backends.Backend, fetcher Fetcher, opts ...Option) (*Memoizer, error) {
	m := &Memoizer{
		backend: backend,
		fetcher: fetcher,
		ttl:     DefaultTTL,
		locks:   locking.NewMemLock(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: newMemoMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ttl <= 0 {
		return nil, fmt.Errorf("memo ttl must be positive, got %s", m.ttl)
	}
	if m.reg != nil {
		if err := m.metrics.register(m.reg); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Fetch returns the content of resourceID. The access counter is incremented
// on every call. On a miss the fetcher is invoked and its result cached for
// the TTL; a failed fetch caches nothing and returns an *errs.FetchError.
func (m *Memoizer) Fetch(ctx context.Context, resourceID string) ([]byte, error) {
	countKey := CountKey(resourceID)
	if _, err := m.backend.Incr(ctx, countKey); err != nil {
		return nil, errs.Store("incr", countKey, err)
	}

	content, hit, err := m.cached(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if hit {
		m.metrics.hits.Inc()
		return content, nil
	}

	v, err := m.locks.DoWithLock(resourceID, func() (interface{}, error) {
		content, hit, err := m.cached(ctx, resourceID)
		if err != nil {
			return nil, err
		}
		if hit {
			m.metrics.hits.Inc()
			return content, nil
		}
		return m.fetch(ctx, resourceID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (m *Memoizer) cached(ctx context.Context, resourceID string) ([]byte, bool, error) {
	cacheKey := CacheKey(resourceID)
	content, miss, err := m.backend.Get(ctx, cacheKey)
	if err != nil {
		return nil, false, errs.Store("get", cacheKey, err)
	}
	return content, !miss, nil
}

// fetch runs the fetcher and caches its result. Caller holds the resource lock.
func (m *Memoizer) fetch(ctx context.Context, resourceID string) ([]byte, error) {
	m.metrics.misses.Inc()

	start := time.Now()
	content, err := m.fetcher.Fetch(ctx, resourceID)
	if err != nil {
		m.metrics.fetchErrors.Inc()
		m.logger.Warn("fetch failed", "resource", resourceID, "error", err)
		return nil, &errs.FetchError{Resource: resourceID, Err: err}
	}
	m.logger.Debug("fetched resource", "resource", resourceID, "size", len(content), "duration", time.Since(start))

	cacheKey := CacheKey(resourceID)
	if err := m.backend.SetWithExpiry(ctx, cacheKey, content, m.ttl); err != nil {
		return nil, errs.Store("set_with_expiry", cacheKey, err)
	}
	return content, nil
}

// AccessCount returns how many times resourceID has been fetched through any
// Memoizer sharing the backend.
func (m *Memoizer) AccessCount(ctx context.Context, resourceID string) (int64, error) {
	countKey := CountKey(resourceID)
	value, miss, err := m.backend.Get(ctx, countKey)
	if err != nil {
		return 0, errs.Store("get", countKey, err)
	}
	if miss {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, &errs.DecodeError{Key: countKey, Err: err}
	}
	return n, nil
}

type memoMetrics struct {
	hits        prometheus.Counter
	misses      prometheus.Counter
	fetchErrors prometheus.Counter
}

func newMemoMetrics() *memoMetrics {
	return &memoMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storetrace",
			Subsystem: "memo",
			Name:      "hits_total",
			Help:      "Total fetches served from the cache",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storetrace",
			Subsystem: "memo",
			Name:      "misses_total",
			Help:      "Total fetches that invoked the fetcher",
		}),
		fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storetrace",
			Subsystem: "memo",
			Name:      "fetch_errors_total",
			Help:      "Total fetcher failures",
		}),
	}
}

func (mm *memoMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{mm.hits, mm.misses, mm.fetchErrors} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register memo metrics: %w", err)
		}
	}
	return nil
}
