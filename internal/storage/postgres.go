// Package storage provides the usage store backends: PostgreSQL for
// production and SQLite for development and tests. Both apply a usage batch
// in a single transaction and bound concurrent writers with a semaphore.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"golang.org/x/sync/semaphore"

	"github.com/mindfabric/eventcore/internal/batch"
	loggingpkg "github.com/mindfabric/eventcore/internal/logging"
)

const (
	// DefaultMaxWriters bounds concurrent write transactions per store.
	DefaultMaxWriters = 10

	// maxTxAttempts bounds retries of serialization conflicts.
	maxTxAttempts = 3

	// retryBaseDelay is the first backoff step between attempts.
	retryBaseDelay = 50 * time.Millisecond
)

const postgresUpdateUsage = `
UPDATE pattern_usage
SET usage_count  = usage_count + 1,
    contributors = ARRAY(SELECT DISTINCT unnest(contributors || $2::text[])),
    last_used_at = NOW()
WHERE pattern_key = $1`

// PostgresStore persists pattern usage in PostgreSQL.
type PostgresStore struct {
	db      *sql.DB
	logger  loggingpkg.ServiceLogger
	writers *semaphore.Weighted
}

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(ctx context.Context, url string, maxWriters int64, logger loggingpkg.ServiceLogger) (*PostgresStore, error) {
	if maxWriters <= 0 {
		maxWriters = DefaultMaxWriters
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(int(maxWriters) * 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{
		db:      db,
		logger:  logger,
		writers: semaphore.NewWeighted(maxWriters),
	}, nil
}

// ApplyUsage updates every tracked pattern in one transaction: the usage
// counter advances by one, the contributor array grows by the set union, and
// the last-used timestamp moves forward. Serialization conflicts are retried
// a bounded number of times.
func (s *PostgresStore) ApplyUsage(ctx context.Context, updates []batch.UsageUpdate) (batch.UsageResult, error) {
	if len(updates) == 0 {
		return batch.UsageResult{}, nil
	}

	if err := s.writers.Acquire(ctx, 1); err != nil {
		return batch.UsageResult{}, fmt.Errorf("acquire write slot: %w", err)
	}
	defer s.writers.Release(1)

	var result batch.UsageResult
	var lastErr error

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		result, lastErr = s.applyOnce(ctx, updates)
		if lastErr == nil {
			return result, nil
		}
		if !isRetryableTxError(lastErr) {
			return batch.UsageResult{}, lastErr
		}

		delay := retryBaseDelay * time.Duration(1<<(attempt-1))
		s.logger.Warn("Retrying usage transaction after conflict", loggingpkg.LogFields{
			"attempt": attempt,
			"delay":   delay.String(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return batch.UsageResult{}, ctx.Err()
		}
	}

	return batch.UsageResult{}, fmt.Errorf("usage transaction failed after %d attempts: %w", maxTxAttempts, lastErr)
}

func (s *PostgresStore) applyOnce(ctx context.Context, updates []batch.UsageUpdate) (batch.UsageResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return batch.UsageResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, postgresUpdateUsage)
	if err != nil {
		return batch.UsageResult{}, fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	var result batch.UsageResult
	for _, u := range updates {
		res, err := stmt.ExecContext(ctx, u.PatternKey, pq.Array(u.Contributors))
		if err != nil {
			return batch.UsageResult{}, fmt.Errorf("update pattern %s: %w", u.PatternKey, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return batch.UsageResult{}, fmt.Errorf("rows affected for %s: %w", u.PatternKey, err)
		}
		if rows == 0 {
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

// isRetryableTxError reports whether err is a PostgreSQL serialization
// failure or deadlock, both of which are safe to retry.
func isRetryableTxError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
