package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLBuckets is the Postgres bucket store over rl_buckets. Each increment is
// its own statement, so the count stays durable even when the surrounding
// request is rejected with a 429.
type SQLBuckets struct {
	db *sql.DB
}

// NewSQLBuckets wraps an open database handle.
func NewSQLBuckets(db *sql.DB) *SQLBuckets {
	return &SQLBuckets{db: db}
}

// Incr implements BucketStore.
func (s *SQLBuckets) Incr(ctx context.Context, key string, windowStart time.Time, windowSec int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rl_buckets (bucket_key, window_start, window_sec, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (bucket_key, window_start, window_sec) DO UPDATE SET
			count = rl_buckets.count + 1
		RETURNING count`,
		key, windowStart.UTC(), windowSec).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: bucket incr: %w", err)
	}
	return count, nil
}

// Prune implements BucketStore with a bounded delete.
func (s *SQLBuckets) Prune(ctx context.Context, olderThan time.Time, limit int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM rl_buckets WHERE ctid IN (
			SELECT ctid FROM rl_buckets WHERE window_start < $1 LIMIT $2
		)`, olderThan.UTC(), limit)
	if err != nil {
		return fmt.Errorf("ratelimit: prune: %w", err)
	}
	return nil
}

// SQLStreaks is the Postgres streak store over rl_streaks.
type SQLStreaks struct {
	db *sql.DB
}

// NewSQLStreaks wraps an open database handle.
func NewSQLStreaks(db *sql.DB) *SQLStreaks {
	return &SQLStreaks{db: db}
}

// RecordBreach implements StreakStore. The reset-or-increment choice happens
// inside the upsert so concurrent breaches cannot double-reset.
func (s *SQLStreaks) RecordBreach(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	var streak int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rl_streaks (streak_key, consecutive_429, last_breach_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (streak_key) DO UPDATE SET
			consecutive_429 = CASE
				WHEN rl_streaks.last_breach_at >= $2 - $3 * interval '1 second'
				THEN rl_streaks.consecutive_429 + 1
				ELSE 1
			END,
			last_breach_at = $2
		RETURNING consecutive_429`,
		key, at.UTC(), int(window/time.Second)).Scan(&streak)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: streak breach: %w", err)
	}
	return streak, nil
}

// IncidentDue implements StreakStore. The conditional update claims the mute
// window; zero rows means another emitter got there first.
func (s *SQLStreaks) IncidentDue(ctx context.Context, key string, at time.Time, mute time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rl_streaks SET last_incident_at = $2
		WHERE streak_key = $1
		  AND (last_incident_at IS NULL OR last_incident_at < $2 - $3 * interval '1 second')`,
		key, at.UTC(), int(mute/time.Second))
	if err != nil {
		return false, fmt.Errorf("ratelimit: incident due: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
