package backends

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// memoryEntry holds either a scalar value or a list, with an optional expiry.
type memoryEntry struct {
	value     []byte
	list      [][]byte
	isList    bool
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process Backend. Every operation runs under a single mutex,
// which gives the per-operation atomicity the contract asks for. It's used for
// development, tests and the default CLI configuration.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lookup returns the live entry for key, dropping it if expired. Caller holds mu.
func (m *Memory) lookup(key string) *memoryEntry {
	entry, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return entry
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memoryEntry{value: cloneBytes(value)}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.lookup(key)
	if entry == nil {
		return nil, true, nil
	}
	if entry.isList {
		return nil, false, ErrWrongType
	}
	return cloneBytes(entry.value), false, nil
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.lookup(key)
	if entry == nil {
		m.entries[key] = &memoryEntry{value: []byte("1")}
		return 1, nil
	}
	if entry.isList {
		return 0, ErrWrongType
	}
	n, err := parseCounter(entry.value)
	if err != nil {
		return 0, err
	}
	n++
	entry.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (m *Memory) Append(ctx context.Context, key string, item []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.lookup(key)
	if entry == nil {
		m.entries[key] = &memoryEntry{isList: true, list: [][]byte{cloneBytes(item)}}
		return nil
	}
	if !entry.isList {
		return ErrWrongType
	}
	entry.list = append(entry.list, cloneBytes(item))
	return nil
}

func (m *Memory) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.lookup(key)
	if entry == nil {
		return [][]byte{}, nil
	}
	if !entry.isList {
		return nil, ErrWrongType
	}
	return sliceRange(entry.list, start, stop), nil
}

func (m *Memory) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memoryEntry{value: cloneBytes(value), expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memoryEntry)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
