package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"golang.org/x/sync/semaphore"

	"github.com/mindfabric/eventcore/internal/batch"
	"github.com/mindfabric/eventcore/internal/jsoncodec"
	loggingpkg "github.com/mindfabric/eventcore/internal/logging"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pattern_usage (
    pattern_key  TEXT PRIMARY KEY,
    usage_count  INTEGER NOT NULL DEFAULT 0,
    contributors TEXT NOT NULL DEFAULT '[]',
    last_used_at TIMESTAMP
)`

// SQLiteStore persists pattern usage in a SQLite file. Contributors are kept
// as a JSON array of strings, merged read-modify-write inside the flush
// transaction. Intended for development and tests, not production load.
type SQLiteStore struct {
	db      *sql.DB
	logger  loggingpkg.ServiceLogger
	writers *semaphore.Weighted
}

// NewSQLiteStore opens (or creates) the database file and ensures the usage
// schema exists. Use ":memory:" for an in-memory database.
func NewSQLiteStore(ctx context.Context, filePath string, maxWriters int64, logger loggingpkg.ServiceLogger) (*SQLiteStore, error) {
	if filePath == "" {
		filePath = "eventcore_usage.db"
	}
	if maxWriters <= 0 {
		maxWriters = DefaultMaxWriters
	}

	db, err := sql.Open("sqlite3", filePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers internally; a single connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &SQLiteStore{
		db:      db,
		logger:  logger,
		writers: semaphore.NewWeighted(maxWriters),
	}, nil
}

// ApplyUsage updates every tracked pattern in one transaction, mirroring the
// PostgreSQL semantics: one counter increment per flush and a deduplicated
// contributor union.
func (s *SQLiteStore) ApplyUsage(ctx context.Context, updates []batch.UsageUpdate) (batch.UsageResult, error) {
	if len(updates) == 0 {
		return batch.UsageResult{}, nil
	}

	if err := s.writers.Acquire(ctx, 1); err != nil {
		return batch.UsageResult{}, fmt.Errorf("acquire write slot: %w", err)
	}
	defer s.writers.Release(1)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return batch.UsageResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var result batch.UsageResult
	now := time.Now().UTC()

	for _, u := range updates {
		applied, err := s.applyOne(ctx, tx, u, now)
		if err != nil {
			return batch.UsageResult{}, err
		}
		if !applied {
			result.Missing = append(result.Missing, u.PatternKey)
			continue
		}
		result.Applied++
	}

	if err := tx.Commit(); err != nil {
		return batch.UsageResult{}, fmt.Errorf("commit transaction: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) applyOne(ctx context.Context, tx *sql.Tx, u batch.UsageUpdate, now time.Time) (bool, error) {
	var rawContributors string
	err := tx.QueryRowContext(ctx,
		`SELECT contributors FROM pattern_usage WHERE pattern_key = ?`, u.PatternKey,
	).Scan(&rawContributors)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pattern %s: %w", u.PatternKey, err)
	}

	merged, err := mergeContributors(rawContributors, u.Contributors)
	if err != nil {
		return false, fmt.Errorf("merge contributors for %s: %w", u.PatternKey, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE pattern_usage
		 SET usage_count = usage_count + 1, contributors = ?, last_used_at = ?
		 WHERE pattern_key = ?`,
		merged, now, u.PatternKey,
	)
	if err != nil {
		return false, fmt.Errorf("update pattern %s: %w", u.PatternKey, err)
	}
	return true, nil
}

// mergeContributors unions the stored JSON array with the new contributors
// and returns the result as sorted JSON, so repeated flushes are stable.
func mergeContributors(rawExisting string, incoming []string) (string, error) {
	var existing []string
	if rawExisting != "" {
		if err := jsoncodec.Unmarshal([]byte(rawExisting), &existing); err != nil {
			return "", fmt.Errorf("decode stored contributors: %w", err)
		}
	}

	set := make(map[string]struct{}, len(existing)+len(incoming))
	for _, c := range existing {
		set[c] = struct{}{}
	}
	for _, c := range incoming {
		set[c] = struct{}{}
	}

	merged := make([]string, 0, len(set))
	for c := range set {
		merged = append(merged, c)
	}
	sort.Strings(merged)

	out, err := jsoncodec.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
