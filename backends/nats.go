package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrCASRetriesExceeded is returned when a read-modify-write on a NATS bucket
// keeps losing compare-and-swap races.
var ErrCASRetriesExceeded = errors.New("kv: max compare-and-swap retries exceeded")

// NATSOptions configures NATS KV operation behavior.
type NATSOptions struct {
	Timeout    time.Duration // Per-operation timeout, 0 for none
	MaxRetries int           // Maximum CAS retry attempts for Incr and Append
	RetryDelay time.Duration // Delay between CAS retries
	Now        func() time.Time
}

// DefaultNATSOptions returns the defaults used by OpenNATS.
func DefaultNATSOptions() NATSOptions {
	return NATSOptions{
		Timeout:    5 * time.Second,
		MaxRetries: 10,
		RetryDelay: 10 * time.Millisecond,
		Now:        time.Now,
	}
}

// NATS is a Backend over a NATS JetStream key-value bucket. Keys are base64url
// encoded because bucket keys allow a restricted alphabet. Incr and Append are
// compare-and-swap loops on the key's revision.
type NATS struct {
	bucket  jetstream.KeyValue
	conn    *nats.Conn // nil when the caller owns the connection
	options NATSOptions
	logger  *slog.Logger
}

// NewNATS wraps an existing bucket. The caller keeps ownership of its connection.
func NewNATS(bucket jetstream.KeyValue, logger *slog.Logger, opts ...func(*NATSOptions)) *NATS {
	options := DefaultNATSOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &NATS{
		bucket:  bucket,
		options: options,
		logger:  logger,
	}
}

// OpenNATS connects to url and creates or binds the named bucket.
// Close drains the connection.
func OpenNATS(ctx context.Context, url, bucketName string, logger *slog.Logger, opts ...func(*NATSOptions)) (*NATS, error) {
	options := DefaultNATSOptions()
	for _, opt := range opts {
		opt(&options)
	}

	conn, err := nats.Connect(url, nats.Name("storetrace"), nats.Timeout(options.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: "storetrace call counters, call logs and cached resources",
		History:     1,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create KV bucket %s: %w", bucketName, err)
	}

	n := NewNATS(bucket, logger, opts...)
	n.conn = conn
	return n, nil
}

// applyTimeout applies the configured timeout to the context if set
func (n *NATS) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if n.options.Timeout > 0 {
		return context.WithTimeout(ctx, n.options.Timeout)
	}
	return ctx, func() {}
}

func (n *NATS) Set(ctx context.Context, key string, value []byte) error {
	return n.put(ctx, key, scalarEnvelope(value, time.Time{}))
}

func (n *NATS) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.put(ctx, key, scalarEnvelope(value, n.options.Now().Add(ttl)))
}

func (n *NATS) put(ctx context.Context, key string, rec envelope) error {
	ctx, cancel := n.applyTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if _, err := n.bucket.Put(ctx, encodeObjectKey(key), data); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (n *NATS) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := n.applyTimeout(ctx)
	defer cancel()

	rec, _, err := n.load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, true, nil
	}
	if rec.Kind != envelopeKindScalar {
		return nil, false, ErrWrongType
	}
	return cloneBytes(rec.Value), false, nil
}

func (n *NATS) Incr(ctx context.Context, key string) (int64, error) {
	var result int64
	err := n.update(ctx, key, func(rec *envelope) (err error) {
		result, err = rec.incr()
		return err
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

func (n *NATS) Append(ctx context.Context, key string, item []byte) error {
	return n.update(ctx, key, func(rec *envelope) error {
		return rec.append(item)
	})
}

func (n *NATS) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	ctx, cancel := n.applyTimeout(ctx)
	defer cancel()

	rec, _, err := n.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return [][]byte{}, nil
	}
	if rec.Kind != envelopeKindList {
		return nil, ErrWrongType
	}
	return sliceRange(rec.Items, start, stop), nil
}

// Clear purges every key in the bucket.
func (n *NATS) Clear(ctx context.Context) error {
	ctx, cancel := n.applyTimeout(ctx)
	defer cancel()

	lister, err := n.bucket.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	for k := range lister.Keys() {
		if err := n.bucket.Purge(ctx, k); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("kv purge %s: %w", k, err)
		}
	}
	return nil
}

// Close drains the connection if OpenNATS created it.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}

// load returns the live record for key with its revision. Missing, deleted
// and expired keys return a nil record; the revision is still reported so a
// following update can replace an expired record.
func (n *NATS) load(ctx context.Context, key string) (*envelope, uint64, error) {
	entry, err := n.bucket.Get(ctx, encodeObjectKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("kv get %s: %w", key, err)
	}

	rec, err := decodeEnvelope(entry.Value())
	if err != nil {
		return nil, 0, fmt.Errorf("kv get %s: %w", key, err)
	}
	if rec.expired(n.options.Now()) {
		return nil, entry.Revision(), nil
	}
	return &rec, entry.Revision(), nil
}

// update performs a CAS read-modify-write with retry on conflicts.
// fn receives a zero record when the key is missing or expired.
func (n *NATS) update(ctx context.Context, key string, fn func(rec *envelope) error) error {
	ctx, cancel := n.applyTimeout(ctx)
	defer cancel()

	encoded := encodeObjectKey(key)
	for attempt := 0; attempt <= n.options.MaxRetries; attempt++ {
		current, revision, err := n.load(ctx, key)
		if err != nil {
			return err
		}

		rec := envelope{}
		if current != nil {
			rec = *current
		}
		if err := fn(&rec); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}

		if revision == 0 {
			_, err = n.bucket.Create(ctx, encoded, data)
		} else {
			_, err = n.bucket.Update(ctx, encoded, data, revision)
		}
		if err == nil {
			return nil
		}
		if !isNATSConflict(err) {
			return fmt.Errorf("kv update %s: %w", key, err)
		}

		n.logger.Debug("kv compare-and-swap conflict, retrying", "key", key, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.options.RetryDelay):
		}
	}
	return ErrCASRetriesExceeded
}

// isNATSConflict reports whether err means another writer won the race.
func isNATSConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") || strings.Contains(msg, "10071")
}
