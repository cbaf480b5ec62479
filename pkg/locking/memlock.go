package locking

import "sync"

// memLockEntry is a per-key mutex with the number of callers holding or waiting on it.
type memLockEntry struct {
	mu   sync.Mutex
	refs int
}

// MemLock is a Group implementation that uses in-memory locks (mutexes) for mutual
// exclusion. It only works within a single process. Locks are dropped once no
// caller holds or waits on them, so an unbounded key space does not leak.
type MemLock struct {
	sync.Mutex
	locks map[string]*memLockEntry
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]*memLockEntry),
	}
}

func (s *MemLock) DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error) {
	s.Lock()
	entry, ok := s.locks[key]
	if !ok {
		entry = &memLockEntry{}
		s.locks[key] = entry
	}
	entry.refs++
	s.Unlock()

	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		s.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(s.locks, key)
		}
		s.Unlock()
	}()
	return fn()
}

// size returns the number of live per-key locks.
func (s *MemLock) size() int {
	s.Lock()
	defer s.Unlock()
	return len(s.locks)
}
