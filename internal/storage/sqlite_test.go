package storage

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindfabric/eventcore/internal/batch"
	loggingpkg "github.com/mindfabric/eventcore/internal/logging"
)

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "usage.db")
	store, err := NewSQLiteStore(context.Background(), path, 4, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, path
}

func seedPattern(t *testing.T, store *SQLiteStore, key, contributors string, count int) {
	t.Helper()
	_, err := store.db.Exec(
		`INSERT INTO pattern_usage (pattern_key, usage_count, contributors) VALUES (?, ?, ?)`,
		key, count, contributors,
	)
	require.NoError(t, err)
}

func readPattern(t *testing.T, store *SQLiteStore, key string) (int, string) {
	t.Helper()
	var count int
	var contributors string
	err := store.db.QueryRow(
		`SELECT usage_count, contributors FROM pattern_usage WHERE pattern_key = ?`, key,
	).Scan(&count, &contributors)
	require.NoError(t, err)
	return count, contributors
}

func TestSQLiteStore_ApplyUsage(t *testing.T) {
	store, _ := newTestStore(t)
	seedPattern(t, store, "pat-1", `["agent-a"]`, 7)

	result, err := store.ApplyUsage(context.Background(), []batch.UsageUpdate{
		{PatternKey: "pat-1", Contributors: []string{"agent-b", "agent-a"}, HitCount: 12},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Empty(t, result.Missing)

	count, contributors := readPattern(t, store, "pat-1")
	// One increment per flush, however many hits were folded in.
	assert.Equal(t, 8, count)
	assert.JSONEq(t, `["agent-a","agent-b"]`, contributors)
}

func TestSQLiteStore_MissingPattern(t *testing.T) {
	store, _ := newTestStore(t)
	seedPattern(t, store, "pat-1", `[]`, 0)

	result, err := store.ApplyUsage(context.Background(), []batch.UsageUpdate{
		{PatternKey: "pat-1", Contributors: []string{"agent-a"}},
		{PatternKey: "pat-gone", Contributors: []string{"agent-a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, []string{"pat-gone"}, result.Missing)

	count, contributors := readPattern(t, store, "pat-1")
	assert.Equal(t, 1, count)
	assert.JSONEq(t, `["agent-a"]`, contributors)
}

func TestSQLiteStore_EmptyBatch(t *testing.T) {
	store, _ := newTestStore(t)

	result, err := store.ApplyUsage(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, result.Applied)
	assert.Empty(t, result.Missing)
}

func TestSQLiteStore_RepeatedFlushesAccumulate(t *testing.T) {
	store, _ := newTestStore(t)
	seedPattern(t, store, "pat-1", `[]`, 0)

	for i := 0; i < 3; i++ {
		_, err := store.ApplyUsage(context.Background(), []batch.UsageUpdate{
			{PatternKey: "pat-1", Contributors: []string{"agent-a"}},
		})
		require.NoError(t, err)
	}

	count, contributors := readPattern(t, store, "pat-1")
	assert.Equal(t, 3, count)
	assert.JSONEq(t, `["agent-a"]`, contributors)
}

func TestSQLiteStore_SchemaCreatedOnOpen(t *testing.T) {
	_, path := newTestStore(t)

	// A second connection sees the table.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var name string
	err = db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='pattern_usage'`,
	).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "pattern_usage", name)
}

func TestMergeContributors(t *testing.T) {
	merged, err := mergeContributors(`["b","a"]`, []string{"c", "a"})
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b","c"]`, merged)

	merged, err = mergeContributors("", []string{"a"})
	require.NoError(t, err)
	assert.JSONEq(t, `["a"]`, merged)

	_, err = mergeContributors("{broken", []string{"a"})
	assert.Error(t, err)
}
