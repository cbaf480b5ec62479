// Package locking holds Group implementations with external or no coordination.
package locking

// NoOpGroup is a Group implementation that performs no locking.
// Every call executes the function immediately. The memoizer uses it when
// duplicate concurrent fetches are acceptable.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (n *NoOpGroup) DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error) {
	return fn()
}
