package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/storetrace/memo"
)

func clearEnv(t *testing.T) {
	for _, name := range []string{"LOG_LEVEL", "STORE_TYPE", "FLUSH_ON_START", "DISK_DIR", "SQL_DSN", "NATS_URL", "S3_BUCKET", "S3_ENDPOINT", "MEMO_TTL"} {
		t.Setenv("STORETRACE_"+name, "")
	}
}

type testApp struct {
	app
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestApp(stdin string) *testApp {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	return &testApp{
		app: app{
			stdin:  strings.NewReader(stdin),
			stdout: stdout,
			stderr: stderr,
			fetcher: memo.FetcherFunc(func(ctx context.Context, id string) ([]byte, error) {
				if strings.HasSuffix(id, "/broken") {
					return nil, errors.New("connection refused")
				}
				return []byte("content of " + id), nil
			}),
		},
		stdout: stdout,
		stderr: stderr,
	}
}

// sqliteConfig writes a config file pointing at a fresh SQLite database.
func sqliteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "storetrace.yaml")
	content := fmt.Sprintf("store:\n  type: sqlite\n  sql:\n    dsn: %q\n", "file:"+filepath.Join(dir, "trace.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDemo(t *testing.T) {
	clearEnv(t)
	a := newTestApp("")

	require.NoError(t, a.run(context.Background(), []string{"demo"}))

	out := a.stdout.String()
	assert.Contains(t, out, `stored "foo" as `)
	assert.Contains(t, out, "as text: foo")
	assert.Contains(t, out, "decode")
	assert.Contains(t, out, "as int: 42")
	assert.Contains(t, out, "Cache.Store was called 3 times:\n")
	assert.Contains(t, out, "Cache.Store(*(\"foo\")) -> \"")
	assert.Contains(t, out, "Cache.Store(*(42)) -> \"")
	assert.Contains(t, out, "Cache.Store(*(b\"bar\")) -> \"")
}

func TestStoreGetReplayAcrossRuns(t *testing.T) {
	clearEnv(t)
	ctx := context.Background()
	cfg := sqliteConfig(t)

	store := newTestApp("")
	require.NoError(t, store.run(ctx, []string{"-config", cfg, "store", "hello"}))
	textKey := strings.TrimSpace(store.stdout.String())
	require.NotEmpty(t, textKey)

	store = newTestApp("")
	require.NoError(t, store.run(ctx, []string{"-config", cfg, "store", "-type", "int", "7"}))
	intKey := strings.TrimSpace(store.stdout.String())

	get := newTestApp("")
	require.NoError(t, get.run(ctx, []string{"-config", cfg, "get", textKey}))
	assert.Equal(t, "hello\n", get.stdout.String())

	get = newTestApp("")
	require.NoError(t, get.run(ctx, []string{"-config", cfg, "get", intKey, "-as", "int"}))
	assert.Equal(t, "7\n", get.stdout.String())

	get = newTestApp("")
	err := get.run(ctx, []string{"-config", cfg, "get", "-as", "int", textKey})
	assert.ErrorContains(t, err, "decode")

	replay := newTestApp("")
	require.NoError(t, replay.run(ctx, []string{"-config", cfg, "replay"}))
	expected := fmt.Sprintf("Cache.Store was called 2 times:\nCache.Store(*(\"hello\")) -> %q\nCache.Store(*(7)) -> %q\n", textKey, intKey)
	assert.Equal(t, expected, replay.stdout.String())
}

func TestGetMissingKey(t *testing.T) {
	clearEnv(t)
	a := newTestApp("")
	err := a.run(context.Background(), []string{"get", "nope"})
	assert.ErrorIs(t, err, errAbsent)
}

func TestFetch(t *testing.T) {
	clearEnv(t)
	a := newTestApp("")

	require.NoError(t, a.run(context.Background(), []string{"-metrics", "fetch", "http://x/a", "http://x/a"}))
	assert.Equal(t, "http://x/a: 21 bytes, accessed 1 times\nhttp://x/a: 21 bytes, accessed 2 times\n", a.stdout.String())
	assert.Contains(t, a.stderr.String(), "storetrace_memo_hits_total 1\n")
	assert.Contains(t, a.stderr.String(), "storetrace_memo_misses_total 1\n")
}

func TestFetchWithoutMissCollapsing(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "storetrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memo:\n  collapse_misses: false\n  ttl: 1m\n"), 0644))

	a := newTestApp("")
	require.NoError(t, a.run(context.Background(), []string{"-config", path, "fetch", "r", "r", "r"}))
	assert.Equal(t, "r: 12 bytes, accessed 1 times\nr: 12 bytes, accessed 2 times\nr: 12 bytes, accessed 3 times\n", a.stdout.String())
}

func TestFetchFailure(t *testing.T) {
	clearEnv(t)
	a := newTestApp("")
	err := a.run(context.Background(), []string{"fetch", "http://x/broken"})
	assert.ErrorContains(t, err, "connection refused")
}

func TestVerbosePrintsLatency(t *testing.T) {
	clearEnv(t)
	a := newTestApp("")
	require.NoError(t, a.run(context.Background(), []string{"-verbose", "store", "x"}))
	assert.Contains(t, a.stderr.String(), "store latency:")
	assert.Contains(t, a.stderr.String(), "  set (n=1)")
}

func TestUnknownCommand(t *testing.T) {
	clearEnv(t)
	a := newTestApp("")
	err := a.run(context.Background(), []string{"explode"})
	assert.ErrorContains(t, err, "unknown command: explode")
	assert.Contains(t, a.stderr.String(), "usage: storetrace")
}

func TestMissingCommand(t *testing.T) {
	clearEnv(t)
	a := newTestApp("")
	assert.Error(t, a.run(context.Background(), nil))
}

func TestServe(t *testing.T) {
	clearEnv(t)
	requests := strings.Join([]string{
		`{"ID":1,"Command":"store","Value":"foo"}`,
		``,
		`{"ID":2,"Command":"store","Value":42}`,
		`{"ID":3,"Command":"store","Bytes":"AAE="}`,
		`{"ID":4,"Command":"get","Key":"missing"}`,
		`{"ID":5,"Command":"replay"}`,
		`{"ID":6,"Command":"fetch","Resource":"r"}`,
		`{"ID":7,"Command":"store","Value":true}`,
		`{"ID":8,"Command":"bogus"}`,
		`{"ID":9,"Command":"close"}`,
		`{"ID":10,"Command":"store","Value":"never"}`,
	}, "\n")
	a := newTestApp(requests)

	require.NoError(t, a.run(context.Background(), []string{"serve"}))

	var responses []Response
	scanner := bufio.NewScanner(a.stdout)
	for scanner.Scan() {
		var resp Response
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	require.Len(t, responses, 10)

	assert.Equal(t, []Cmd{CmdStore, CmdGet, CmdReplay, CmdFetch, CmdClose}, responses[0].KnownCommands)
	assert.NotEmpty(t, responses[1].Key)
	assert.NotEmpty(t, responses[2].Key)
	assert.NotEmpty(t, responses[3].Key)
	assert.True(t, responses[4].Miss)
	assert.Nil(t, responses[4].Value)

	replay := responses[5]
	assert.Equal(t, int64(3), replay.Count)
	require.Len(t, replay.Calls, 3)
	assert.Equal(t, fmt.Sprintf("Cache.Store(*(\"foo\")) -> %q", responses[1].Key), replay.Calls[0])
	assert.Equal(t, fmt.Sprintf("Cache.Store(*(42)) -> %q", responses[2].Key), replay.Calls[1])
	assert.Equal(t, fmt.Sprintf("Cache.Store(*(b\"\\x00\\x01\")) -> %q", responses[3].Key), replay.Calls[2])

	assert.Equal(t, int64(1), responses[6].Count)
	assert.Equal(t, "unsupported value type: bool", responses[7].Err)
	assert.Equal(t, "unknown command: bogus", responses[8].Err)
	assert.Equal(t, int64(9), responses[9].ID)
}
