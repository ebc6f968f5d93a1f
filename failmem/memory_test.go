package failmem

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "bugs.ndjson"), Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestFingerprint_Deterministic(t *testing.T) {
	t.Parallel()
	a := Fingerprint("x.py", 10, "AttributeError: foo")
	b := Fingerprint("x.py", 10, "AttributeError: foo")
	assert.Equal(t, a, b)

	// Whitespace-insensitive normalization maps to the same hash.
	c := Fingerprint("x.py", 10, "AttributeError:   foo ")
	assert.Equal(t, a, c)

	// A different line is a different failure.
	d := Fingerprint("x.py", 11, "AttributeError: foo")
	assert.NotEqual(t, a, d)

	// So is a different message or file.
	assert.NotEqual(t, a, Fingerprint("x.py", 10, "AttributeError: bar"))
	assert.NotEqual(t, a, Fingerprint("y.py", 10, "AttributeError: foo"))
}

func TestMemory_RecordIdempotent(t *testing.T) {
	t.Parallel()
	m := openTestMemory(t)
	ctx := context.Background()

	first, err := m.Record(ctx, "parser.go", "TestParse", "unexpected EOF", 42)
	require.NoError(t, err)

	second, err := m.Record(ctx, "parser.go", "TestParse", "unexpected  EOF", 42)
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, 1, m.Len())
	assert.True(t, m.Exists(ctx, first.Fingerprint))
}

func TestMemory_ReloadFromDisk(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bugs.ndjson")
	ctx := context.Background()

	m, err := Open(path, Options{})
	require.NoError(t, err)
	rec, err := m.Record(ctx, "lexer.go", "", "bad token", 7)
	require.NoError(t, err)
	_, err = m.Record(ctx, "lexer.go", "", "bad rune", 9)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Len())
	assert.True(t, reopened.Exists(ctx, rec.Fingerprint))
	got, ok := reopened.Lookup(rec.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, "bad token", got.Message)
}

func TestMemory_SkipsCorruptLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bugs.ndjson")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"fingerprint":"abc","file":"a.go","line":1,"message":"x","timestamp":"2026-01-02T00:00:00Z"}`+"\n"+
			"not json\n"), 0o644))

	m, err := Open(path, Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 1, m.Len())
	assert.True(t, m.Exists(context.Background(), "abc"))
}

func TestMemory_FindSimilar(t *testing.T) {
	t.Parallel()
	m := openTestMemory(t)
	ctx := context.Background()

	rec, err := m.Record(ctx, "store.go", "TestTx", "deadlock detected", 100)
	require.NoError(t, err)
	_, err = m.Record(ctx, "store.go", "TestTx", "deadlock detected", 120)
	require.NoError(t, err)
	_, err = m.Record(ctx, "other.go", "", "unrelated", 3)
	require.NoError(t, err)

	similar := m.FindSimilar(rec.Fingerprint)
	require.Len(t, similar, 2)
	assert.Equal(t, rec.Fingerprint, similar[0].Fingerprint)

	assert.Nil(t, m.FindSimilar("unknown"))
}

func TestMemory_StatsByFile(t *testing.T) {
	t.Parallel()
	m := openTestMemory(t)
	ctx := context.Background()

	_, err := m.Record(ctx, "a.go", "", "one", 1)
	require.NoError(t, err)
	_, err = m.Record(ctx, "a.go", "", "two", 2)
	require.NoError(t, err)
	_, err = m.Record(ctx, "b.go", "", "three", 3)
	require.NoError(t, err)

	stats := m.StatsByFile()
	assert.Equal(t, map[string]int{"a.go": 2, "b.go": 1}, stats)
}

func TestMemory_RedisIndexShared(t *testing.T) {
	t.Parallel()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	ctx := context.Background()

	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "a.ndjson"), Options{Redis: client, RedisTTL: time.Hour})
	require.NoError(t, err)
	defer a.Close()

	b, err := Open(filepath.Join(dir, "b.ndjson"), Options{Redis: client})
	require.NoError(t, err)
	defer b.Close()

	rec, err := a.Record(ctx, "shared.go", "", "boom", 5)
	require.NoError(t, err)

	// b has never seen the record locally but finds it via the index.
	assert.True(t, b.Exists(ctx, rec.Fingerprint))

	// A dead index degrades to a miss, never an error.
	srv.Close()
	assert.False(t, b.Exists(ctx, "never-recorded"))
}
