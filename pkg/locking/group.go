// Package locking provides groups of per-key locks. The memoizer uses a group to
// collapse concurrent misses for one resource, and the read-modify-write store
// adapters use one to keep increments and appends atomic.
package locking

// locking.Group is an abstraction for running functions with mutual exclusion
// over sets of keys.
type Group interface {
	// DoWithLock runs the given function with mutual exclusion over the given key.
	DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error)
}
