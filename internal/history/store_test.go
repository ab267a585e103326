package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndHas(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	has, err := s.Has(ctx, "https://example.com/a.jpg")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.Record(ctx, Entry{
		URL:      "https://example.com/a.jpg",
		DestPath: "/out/a.jpg",
		Bytes:    2048,
		Attempts: 2,
		Elapsed:  1500 * time.Millisecond,
		RunID:    "run-1",
	}))

	has, err = s.Has(ctx, "https://example.com/a.jpg")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRecordUpserts(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.Record(ctx, Entry{URL: "u", DestPath: "/a", Bytes: 1, RunID: "r1", CompletedAt: base}))
	require.NoError(t, s.Record(ctx, Entry{URL: "u", DestPath: "/b", Bytes: 2, RunID: "r2", CompletedAt: base.Add(time.Hour)}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/b", entries[0].DestPath)
	assert.Equal(t, "r2", entries[0].RunID)
	assert.True(t, entries[0].CompletedAt.Equal(base.Add(time.Hour)))
}

func TestListOrderAndLimit(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, url := range []string{"first", "second", "third"} {
		require.NoError(t, s.Record(ctx, Entry{
			URL:         url,
			DestPath:    "/out/" + url,
			Elapsed:     time.Duration(i+1) * time.Second,
			RunID:       "run",
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "third", entries[0].URL)
	assert.Equal(t, "second", entries[1].URL)
	assert.Equal(t, 3*time.Second, entries[0].Elapsed)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, Entry{URL: "kept", DestPath: "/k", RunID: "r"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	has, err := s.Has(ctx, "kept")
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, path, s.Path())
}
