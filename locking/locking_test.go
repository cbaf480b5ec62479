package locking

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkglocking "github.com/richardartoul/storetrace/pkg/locking"
)

var (
	_ pkglocking.Group = (*NoOpGroup)(nil)
	_ pkglocking.Group = (*FileLock)(nil)
)

func TestNoOpGroupRunsImmediately(t *testing.T) {
	g := NewNoOpGroup()
	v, err := g.DoWithLock("k", func() (interface{}, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFileLockSerializesSameKey(t *testing.T) {
	g, err := NewFileLock(t.TempDir())
	require.NoError(t, err)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.DoWithLock("resource", func() (interface{}, error) {
				// Unsynchronized read-modify-write; safe only under the lock.
				c := counter
				c++
				counter = c
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, counter)
}

func TestFileLockPropagatesError(t *testing.T) {
	g, err := NewFileLock(t.TempDir())
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = g.DoWithLock("k", func() (interface{}, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestFileLockPathIsStable(t *testing.T) {
	g, err := NewFileLock(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, g.lockPath("count:http://example.com"), g.lockPath("count:http://example.com"))
	assert.NotEqual(t, g.lockPath("a"), g.lockPath("b"))
}
