package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/richardartoul/storetrace/backends"
	"github.com/richardartoul/storetrace/config"
	"github.com/richardartoul/storetrace/locking"
	pkglocking "github.com/richardartoul/storetrace/pkg/locking"
	"github.com/richardartoul/storetrace/memo"
	"github.com/richardartoul/storetrace/record"
)

// services bundles everything a command needs. It owns the store.
type services struct {
	store    *backends.Stack
	cache    *record.Cache
	memoizer *memo.Memoizer
	registry *prometheus.Registry
	logger   *slog.Logger
}

// openServices opens the configured store and builds the record cache and
// memoizer over it.
func openServices(ctx context.Context, cfg *config.Config, fetcher memo.Fetcher, logger *slog.Logger) (*services, error) {
	store, err := backends.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	logger.Debug("opened store", "type", cfg.Store.Type, "timed", cfg.Store.Timed, "debug", cfg.Store.Debug)

	var locks pkglocking.Group
	switch {
	case !cfg.Memo.CollapseMisses:
		locks = locking.NewNoOpGroup()
	case cfg.Memo.LockDir != "":
		if locks, err = locking.NewFileLock(cfg.Memo.LockDir); err != nil {
			store.Close()
			return nil, err
		}
	default:
		locks = pkglocking.NewMemLock()
	}

	registry := prometheus.NewRegistry()
	memoizer, err := memo.New(store, fetcher,
		memo.WithTTL(cfg.Memo.TTL),
		memo.WithLockGroup(locks),
		memo.WithRegisterer(registry),
		memo.WithLogger(logger),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &services{
		store:    store,
		cache:    record.New(store),
		memoizer: memoizer,
		registry: registry,
		logger:   logger,
	}, nil
}

// Close closes the store.
func (s *services) Close() error {
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// printLatencyStats writes one line per store operation.
func (s *services) printLatencyStats(w io.Writer) {
	if s.store.Tracker == nil {
		return
	}
	fmt.Fprintln(w, "store latency:")
	for _, stats := range s.store.Tracker.GetAllStats() {
		fmt.Fprintln(w, stats.String())
	}
}

// printMetrics writes the memoizer counters as "name value" lines.
func (s *services) printMetrics(w io.Writer) error {
	families, err := s.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			fmt.Fprintf(w, "%s %g\n", mf.GetName(), m.GetCounter().GetValue())
		}
	}
	return nil
}
