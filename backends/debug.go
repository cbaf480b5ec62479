package backends

import (
	"context"
	"log/slog"
	"time"
)

// Debug wraps any Backend and adds debug logging.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	return &Debug{
		backend: backend,
		logger:  logger.With("component", "backend"),
	}
}

// Set stores a value with debug logging.
func (d *Debug) Set(ctx context.Context, key string, value []byte) error {
	d.logger.DebugContext(ctx, "set", "key", key, "size", len(value))

	err := d.backend.Set(ctx, key, value)
	if err != nil {
		d.logger.DebugContext(ctx, "set failed", "key", key, "error", err)
	}
	return err
}

// Get retrieves a value with debug logging.
func (d *Debug) Get(ctx context.Context, key string) ([]byte, bool, error) {
	d.logger.DebugContext(ctx, "get", "key", key)

	value, miss, err := d.backend.Get(ctx, key)

	switch {
	case err != nil:
		d.logger.DebugContext(ctx, "get failed", "key", key, "error", err)
	case miss:
		d.logger.DebugContext(ctx, "get miss", "key", key)
	default:
		d.logger.DebugContext(ctx, "get hit", "key", key, "size", len(value))
	}

	return value, miss, err
}

// Incr increments a counter with debug logging.
func (d *Debug) Incr(ctx context.Context, key string) (int64, error) {
	n, err := d.backend.Incr(ctx, key)
	if err != nil {
		d.logger.DebugContext(ctx, "incr failed", "key", key, "error", err)
		return n, err
	}

	d.logger.DebugContext(ctx, "incr", "key", key, "value", n)
	return n, nil
}

// Append adds a list item with debug logging.
func (d *Debug) Append(ctx context.Context, key string, item []byte) error {
	d.logger.DebugContext(ctx, "append", "key", key, "size", len(item))

	err := d.backend.Append(ctx, key, item)
	if err != nil {
		d.logger.DebugContext(ctx, "append failed", "key", key, "error", err)
	}
	return err
}

// Range reads list items with debug logging.
func (d *Debug) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	items, err := d.backend.Range(ctx, key, start, stop)
	if err != nil {
		d.logger.DebugContext(ctx, "range failed", "key", key, "start", start, "stop", stop, "error", err)
		return items, err
	}

	d.logger.DebugContext(ctx, "range", "key", key, "start", start, "stop", stop, "items", len(items))
	return items, nil
}

// SetWithExpiry stores an expiring value with debug logging.
func (d *Debug) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	d.logger.DebugContext(ctx, "set with expiry", "key", key, "size", len(value), "ttl", ttl)

	err := d.backend.SetWithExpiry(ctx, key, value, ttl)
	if err != nil {
		d.logger.DebugContext(ctx, "set with expiry failed", "key", key, "error", err)
	}
	return err
}

// Clear removes all entries from the store with debug logging.
func (d *Debug) Clear(ctx context.Context) error {
	d.logger.DebugContext(ctx, "clear: clearing store")

	err := d.backend.Clear(ctx)
	if err != nil {
		d.logger.DebugContext(ctx, "clear failed", "error", err)
		return err
	}

	d.logger.DebugContext(ctx, "clear: store cleared successfully")
	return nil
}

// Close performs cleanup operations with debug logging.
func (d *Debug) Close() error {
	d.logger.Debug("close: closing backend")

	err := d.backend.Close()
	if err != nil {
		d.logger.Debug("close failed", "error", err)
	}
	return err
}
