package locking

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemLockSerializesSameKey(t *testing.T) {
	lock := NewMemLock()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lock.DoWithLock("same", func() (interface{}, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Equal(t, 0, lock.size())
}

func TestMemLockDifferentKeysDoNotBlock(t *testing.T) {
	lock := NewMemLock()

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = lock.DoWithLock("a", func() (interface{}, error) {
			close(inside)
			<-release
			return nil, nil
		})
	}()
	<-inside

	done := make(chan struct{})
	go func() {
		_, _ = lock.DoWithLock("b", func() (interface{}, error) { return nil, nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key b blocked behind key a")
	}
	close(release)
}

func TestMemLockReturnsResult(t *testing.T) {
	lock := NewMemLock()
	boom := errors.New("boom")

	v, err := lock.DoWithLock("k", func() (interface{}, error) { return "value", nil })
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	_, err = lock.DoWithLock("k", func() (interface{}, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, lock.size())
}
