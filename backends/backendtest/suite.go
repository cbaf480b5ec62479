// Package backendtest provides a conformance suite that every backends.Backend
// implementation runs in its own tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"github.com/richardartoul/storetrace/backends"
)

// Clock is a manually advanced time source for expiry tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Suite exercises the full Backend contract. Embed it, or construct it with
// NewBackend set, and hand it to suite.Run.
type Suite struct {
	suite.Suite

	// NewBackend builds a fresh, empty backend reading time from now.
	NewBackend func(now func() time.Time) backends.Backend

	// SkipConcurrency disables the concurrent increment test for backends
	// whose test doubles are not goroutine safe.
	SkipConcurrency bool

	Backend backends.Backend
	Clock   *Clock
	ctx     context.Context
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.Clock = NewClock()
	s.Backend = s.NewBackend(s.Clock.Now)
	s.Require().NoError(s.Backend.Clear(s.ctx))
}

func (s *Suite) TearDownTest() {
	if s.Backend != nil {
		s.NoError(s.Backend.Close())
	}
}

func (s *Suite) TestGetMissing() {
	value, miss, err := s.Backend.Get(s.ctx, "missing")
	s.Require().NoError(err)
	s.True(miss)
	s.Nil(value)
}

func (s *Suite) TestSetGet() {
	s.Require().NoError(s.Backend.Set(s.ctx, "k", []byte("foo")))

	value, miss, err := s.Backend.Get(s.ctx, "k")
	s.Require().NoError(err)
	s.False(miss)
	s.Equal([]byte("foo"), value)
}

func (s *Suite) TestSetOverwrites() {
	s.Require().NoError(s.Backend.Set(s.ctx, "k", []byte("one")))
	s.Require().NoError(s.Backend.Set(s.ctx, "k", []byte("two")))

	value, _, err := s.Backend.Get(s.ctx, "k")
	s.Require().NoError(err)
	s.Equal([]byte("two"), value)
}

func (s *Suite) TestBinaryAndEmptyValues() {
	binary := []byte{0x00, 0xff, 0x10, 0x00, 'a'}
	s.Require().NoError(s.Backend.Set(s.ctx, "bin", binary))
	s.Require().NoError(s.Backend.Set(s.ctx, "empty", []byte{}))

	value, miss, err := s.Backend.Get(s.ctx, "bin")
	s.Require().NoError(err)
	s.False(miss)
	s.Equal(binary, value)

	value, miss, err = s.Backend.Get(s.ctx, "empty")
	s.Require().NoError(err)
	s.False(miss)
	s.Empty(value)
}

func (s *Suite) TestIncr() {
	for want := int64(1); want <= 3; want++ {
		got, err := s.Backend.Incr(s.ctx, "counter")
		s.Require().NoError(err)
		s.Equal(want, got)
	}

	value, _, err := s.Backend.Get(s.ctx, "counter")
	s.Require().NoError(err)
	s.Equal([]byte("3"), value)
}

func (s *Suite) TestIncrExistingInteger() {
	s.Require().NoError(s.Backend.Set(s.ctx, "counter", []byte("41")))

	got, err := s.Backend.Incr(s.ctx, "counter")
	s.Require().NoError(err)
	s.Equal(int64(42), got)
}

func (s *Suite) TestIncrWrongType() {
	s.Require().NoError(s.Backend.Set(s.ctx, "text", []byte("foo")))

	_, err := s.Backend.Incr(s.ctx, "text")
	s.ErrorIs(err, backends.ErrWrongType)
}

func (s *Suite) TestAppendRange() {
	for i := 0; i < 5; i++ {
		s.Require().NoError(s.Backend.Append(s.ctx, "list", []byte(fmt.Sprintf("item-%d", i))))
	}

	all, err := s.Backend.Range(s.ctx, "list", 0, -1)
	s.Require().NoError(err)
	s.Equal([][]byte{
		[]byte("item-0"), []byte("item-1"), []byte("item-2"), []byte("item-3"), []byte("item-4"),
	}, all)

	middle, err := s.Backend.Range(s.ctx, "list", 1, 2)
	s.Require().NoError(err)
	s.Equal([][]byte{[]byte("item-1"), []byte("item-2")}, middle)

	tail, err := s.Backend.Range(s.ctx, "list", -2, -1)
	s.Require().NoError(err)
	s.Equal([][]byte{[]byte("item-3"), []byte("item-4")}, tail)

	clamped, err := s.Backend.Range(s.ctx, "list", -100, 100)
	s.Require().NoError(err)
	s.Len(clamped, 5)

	empty, err := s.Backend.Range(s.ctx, "list", 3, 1)
	s.Require().NoError(err)
	s.Empty(empty)

	past, err := s.Backend.Range(s.ctx, "list", 5, 10)
	s.Require().NoError(err)
	s.Empty(past)
}

func (s *Suite) TestRangeMissing() {
	items, err := s.Backend.Range(s.ctx, "nothing", 0, -1)
	s.Require().NoError(err)
	s.Empty(items)
}

func (s *Suite) TestAppendWrongType() {
	s.Require().NoError(s.Backend.Set(s.ctx, "scalar", []byte("foo")))

	err := s.Backend.Append(s.ctx, "scalar", []byte("x"))
	s.ErrorIs(err, backends.ErrWrongType)
}

func (s *Suite) TestSetWithExpiry() {
	s.Require().NoError(s.Backend.SetWithExpiry(s.ctx, "page", []byte("<html>"), 10*time.Second))

	s.Clock.Advance(9 * time.Second)
	value, miss, err := s.Backend.Get(s.ctx, "page")
	s.Require().NoError(err)
	s.False(miss)
	s.Equal([]byte("<html>"), value)

	s.Clock.Advance(time.Second)
	_, miss, err = s.Backend.Get(s.ctx, "page")
	s.Require().NoError(err)
	s.True(miss)
}

func (s *Suite) TestSetClearsExpiry() {
	s.Require().NoError(s.Backend.SetWithExpiry(s.ctx, "k", []byte("short"), time.Second))
	s.Require().NoError(s.Backend.Set(s.ctx, "k", []byte("forever")))

	s.Clock.Advance(time.Hour)
	value, miss, err := s.Backend.Get(s.ctx, "k")
	s.Require().NoError(err)
	s.False(miss)
	s.Equal([]byte("forever"), value)
}

func (s *Suite) TestClear() {
	s.Require().NoError(s.Backend.Set(s.ctx, "a", []byte("1")))
	s.Require().NoError(s.Backend.Append(s.ctx, "b", []byte("2")))
	_, err := s.Backend.Incr(s.ctx, "c")
	s.Require().NoError(err)

	s.Require().NoError(s.Backend.Clear(s.ctx))

	_, miss, err := s.Backend.Get(s.ctx, "a")
	s.Require().NoError(err)
	s.True(miss)

	items, err := s.Backend.Range(s.ctx, "b", 0, -1)
	s.Require().NoError(err)
	s.Empty(items)

	n, err := s.Backend.Incr(s.ctx, "c")
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}

func (s *Suite) TestConcurrentIncrIsAdditive() {
	if s.SkipConcurrency {
		s.T().Skip("backend double is not goroutine safe")
	}

	const workers, perWorker = 8, 25
	g, ctx := errgroup.WithContext(s.ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				if _, err := s.Backend.Incr(ctx, "shared"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	s.Require().NoError(g.Wait())

	value, _, err := s.Backend.Get(s.ctx, "shared")
	s.Require().NoError(err)
	s.Equal([]byte(fmt.Sprint(workers*perWorker)), value)
}
