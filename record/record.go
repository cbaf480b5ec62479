// Package record stores scalar values under generated keys. Store is
// instrumented: every call is counted and every successful call is kept in
// a call history that Replay renders as a transcript.
package record

import (
	"context"
	"errors"
	"strconv"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/richardartoul/storetrace/backends"
	"github.com/richardartoul/storetrace/errs"
	"github.com/richardartoul/storetrace/instrument"
)

// StoreIdentity names Cache.Store in the call counter and call history.
const StoreIdentity = "Cache.Store"

// Key identifies a stored value. Keys are never reused.
type Key string

// Cache stores values in a backend.
type Cache struct {
	backend backends.Backend
	newKey  func() string
	store   *instrument.LoggingOperation[any, Key]
}

// Option configures a Cache.
type Option func(*Cache)

// WithKeyGenerator replaces random UUIDs as the source of keys.
func WithKeyGenerator(fn func() string) Option {
	return func(c *Cache) {
		c.newKey = fn
	}
}

// New creates a Cache over backend. The backend stays owned by the caller.
func New(backend backends.Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		newKey:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.store = instrument.Instrument[any, Key](instrument.Func(StoreIdentity, c.set), backend)
	return c
}

// Store saves value under a fresh key and returns the key. value must be a
// string, []byte, integer or float; anything else fails with
// errs.ErrUnsupportedValue without touching the stored value space.
func (c *Cache) Store(ctx context.Context, value any) (Key, error) {
	return c.store.Call(ctx, value)
}

func (c *Cache) set(ctx context.Context, value any) (Key, error) {
	encoded, err := Encode(value)
	if err != nil {
		return "", err
	}
	key := c.newKey()
	if err := c.backend.Set(ctx, key, encoded); err != nil {
		return "", errs.Store("set", key, err)
	}
	return Key(key), nil
}

// Retrieve returns the raw bytes stored under key. found is false when the
// key does not exist.
func (c *Cache) Retrieve(ctx context.Context, key Key) (value []byte, found bool, err error) {
	value, miss, err := c.backend.Get(ctx, string(key))
	if err != nil {
		return nil, false, errs.Store("get", string(key), err)
	}
	if miss {
		return nil, false, nil
	}
	return value, true, nil
}

// RetrieveAs reads key and decodes it. decode is not called for a missing
// key; its failure is returned as an *errs.DecodeError.
func RetrieveAs[T any](ctx context.Context, c *Cache, key Key, decode func([]byte) (T, error)) (T, bool, error) {
	var zero T
	raw, found, err := c.Retrieve(ctx, key)
	if err != nil || !found {
		return zero, false, err
	}
	v, err := decode(raw)
	if err != nil {
		return zero, false, &errs.DecodeError{Key: string(key), Err: err}
	}
	return v, true, nil
}

// RetrieveString reads key as UTF-8 text.
func (c *Cache) RetrieveString(ctx context.Context, key Key) (string, bool, error) {
	return RetrieveAs(ctx, c, key, DecodeString)
}

// RetrieveInt reads key as a base 10 integer.
func (c *Cache) RetrieveInt(ctx context.Context, key Key) (int64, bool, error) {
	return RetrieveAs(ctx, c, key, DecodeInt)
}

// RetrieveFloat reads key as a floating point number.
func (c *Cache) RetrieveFloat(ctx context.Context, key Key) (float64, bool, error) {
	return RetrieveAs(ctx, c, key, DecodeFloat)
}

// Replay returns the transcript of Store calls.
func (c *Cache) Replay(ctx context.Context) (*instrument.Transcript, error) {
	return instrument.Replay(ctx, c.backend, StoreIdentity)
}

// Calls returns how many times Store has been called, failures included.
func (c *Cache) Calls(ctx context.Context) (int64, error) {
	return instrument.Count(ctx, c.backend, StoreIdentity)
}

// DecodeString validates raw as UTF-8.
func DecodeString(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", errors.New("invalid UTF-8")
	}
	return string(raw), nil
}

// DecodeInt parses raw as a base 10 int64.
func DecodeInt(raw []byte) (int64, error) {
	return strconv.ParseInt(string(raw), 10, 64)
}

// DecodeFloat parses raw as a float64.
func DecodeFloat(raw []byte) (float64, error) {
	return strconv.ParseFloat(string(raw), 64)
}
