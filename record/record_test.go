package record_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/storetrace/backends"
	"github.com/richardartoul/storetrace/errs"
	"github.com/richardartoul/storetrace/record"
)

func sequentialKeys() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("k%d", n)
	}
}

type failingSet struct {
	backends.Backend
}

func (f failingSet) Set(ctx context.Context, key string, value []byte) error {
	return errors.New("connection refused")
}

func TestStoreGeneratesUUIDKeys(t *testing.T) {
	ctx := context.Background()
	c := record.New(backends.NewMemory())

	k1, err := c.Store(ctx, "a")
	require.NoError(t, err)
	k2, err := c.Store(ctx, "a")
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
	_, err = uuid.Parse(string(k1))
	assert.NoError(t, err)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := record.New(backends.NewMemory())

	cases := []struct {
		value any
		want  []byte
	}{
		{"foo", []byte("foo")},
		{"", []byte{}},
		{[]byte{0, 1, 255}, []byte{0, 1, 255}},
		{42, []byte("42")},
		{int64(-7), []byte("-7")},
		{uint8(255), []byte("255")},
		{3.25, []byte("3.25")},
		{float32(0.5), []byte("0.5")},
	}
	for _, tc := range cases {
		key, err := c.Store(ctx, tc.value)
		require.NoError(t, err)

		raw, found, err := c.Retrieve(ctx, key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, tc.want, raw, "%v", tc.value)
	}
}

func TestStoreRejectsUnsupportedValues(t *testing.T) {
	ctx := context.Background()
	backend := backends.NewMemory()
	c := record.New(backend)

	for _, v := range []any{nil, true, []int{1}, struct{}{}, map[string]int{}} {
		_, err := c.Store(ctx, v)
		assert.ErrorIs(t, err, errs.ErrUnsupportedValue, "%T", v)
	}

	transcript, err := c.Replay(ctx)
	require.NoError(t, err)
	assert.Empty(t, transcript.Calls)
	assert.Equal(t, int64(5), transcript.Count)
}

func TestRetrieveMissingKey(t *testing.T) {
	ctx := context.Background()
	c := record.New(backends.NewMemory())

	raw, found, err := c.Retrieve(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, raw)

	s, found, err := c.RetrieveString(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "", s)

	n, found, err := c.RetrieveInt(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(0), n)

	decoded := false
	_, found, err = record.RetrieveAs(ctx, c, "nope", func(b []byte) (int, error) {
		decoded = true
		return 0, nil
	})
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, decoded)
}

func TestRetrieveDecodeFailure(t *testing.T) {
	ctx := context.Background()
	c := record.New(backends.NewMemory())

	key, err := c.Store(ctx, []byte{0xff, 0xfe})
	require.NoError(t, err)

	_, _, err = c.RetrieveString(ctx, key)
	assert.ErrorIs(t, err, errs.ErrDecode)
	assert.NotErrorIs(t, err, errs.ErrStore)

	var decodeErr *errs.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, string(key), decodeErr.Key)
}

func TestRetrieveFloat(t *testing.T) {
	ctx := context.Background()
	c := record.New(backends.NewMemory())

	key, err := c.Store(ctx, math.Pi)
	require.NoError(t, err)
	f, found, err := c.RetrieveFloat(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, math.Pi, f)
}

func TestStoreFailureIsStoreError(t *testing.T) {
	ctx := context.Background()
	backend := failingSet{Backend: backends.NewMemory()}
	c := record.New(backend)

	_, err := c.Store(ctx, "foo")
	assert.ErrorIs(t, err, errs.ErrStore)
	assert.ErrorContains(t, err, "connection refused")

	calls, err := c.Calls(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls)
}

func TestReferenceScenario(t *testing.T) {
	ctx := context.Background()
	backend := backends.NewMemory()
	c := record.New(backend)

	k1, err := c.Store(ctx, "foo")
	require.NoError(t, err)

	raw, found, err := c.Retrieve(ctx, k1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("foo"), raw)

	text, found, err := c.RetrieveString(ctx, k1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "foo", text)

	_, _, err = c.RetrieveInt(ctx, k1)
	assert.ErrorIs(t, err, errs.ErrDecode)
	var numErr *strconv.NumError
	assert.ErrorAs(t, err, &numErr)

	k2, err := c.Store(ctx, 42)
	require.NoError(t, err)
	n, found, err := c.RetrieveInt(ctx, k2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(42), n)
}

func TestReplayTranscript(t *testing.T) {
	ctx := context.Background()
	backend := backends.NewMemory()
	c := record.New(backend, record.WithKeyGenerator(sequentialKeys()))

	for _, v := range []any{"foo", 42, []byte("bar")} {
		_, err := c.Store(ctx, v)
		require.NoError(t, err)
	}

	calls, err := c.Calls(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls)

	transcript, err := c.Replay(ctx)
	require.NoError(t, err)
	expected := "Cache.Store was called 3 times:\n" +
		"Cache.Store(*(\"foo\")) -> \"k1\"\n" +
		"Cache.Store(*(42)) -> \"k2\"\n" +
		"Cache.Store(*(b\"bar\")) -> \"k3\"\n"
	assert.Equal(t, expected, transcript.String())
}

func TestCachesShareHistory(t *testing.T) {
	ctx := context.Background()
	backend := backends.NewMemory()

	_, err := record.New(backend).Store(ctx, "a")
	require.NoError(t, err)
	_, err = record.New(backend).Store(ctx, "b")
	require.NoError(t, err)

	calls, err := record.New(backend).Calls(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls)
}

func TestEncode(t *testing.T) {
	type label string
	b, err := record.Encode(label("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), b)

	b, err = record.Encode(1e21)
	require.NoError(t, err)
	assert.Equal(t, []byte("1e+21"), b)

	_, err = record.Encode(complex(1, 2))
	assert.ErrorIs(t, err, errs.ErrUnsupportedValue)
}
