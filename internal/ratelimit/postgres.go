package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore keeps counters in the auth_rate_counters table. The whole
// check is one upsert statement, so concurrent callers hitting the same key
// serialize on the row without a read-then-write race.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := time.Now().UTC()
	threshold := now.Add(-window)

	var count int64
	var windowStart time.Time
	err := s.db.QueryRowContext(ctx, `
		WITH upsert AS (
			INSERT INTO auth_rate_counters (counter_key, window_started_at, hits, updated_at)
			VALUES ($1, $2, 1, $2)
			ON CONFLICT (counter_key) DO UPDATE
			SET
				hits = CASE
					WHEN auth_rate_counters.window_started_at <= $3 THEN 1
					ELSE auth_rate_counters.hits + 1
				END,
				window_started_at = CASE
					WHEN auth_rate_counters.window_started_at <= $3 THEN $2
					ELSE auth_rate_counters.window_started_at
				END,
				updated_at = $2
			RETURNING hits, window_started_at
		)
		SELECT hits, window_started_at FROM upsert
	`, key, now, threshold).Scan(&count, &windowStart)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("upsert rate counter: %w", err)
	}

	return count, windowStart.UTC(), nil
}

// DeleteStale removes counters whose window is long past. Memory hygiene
// only; Incr resets expired windows on its own.
func (s *PostgresStore) DeleteStale(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT counter_key
			FROM auth_rate_counters
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_rate_counters t
		USING stale
		WHERE t.counter_key = stale.counter_key
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale rate counters: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale rate counters rows affected: %w", err)
	}

	return affected, nil
}
