package cron

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// HealthStore tracks cron tick outcomes for the watchdog.
type HealthStore interface {
	ConsecutiveFailures(ctx context.Context) (int, error)
	RecordSuccess(ctx context.Context, at time.Time) error
	RecordFailure(ctx context.Context, lastError string, at time.Time) (int, error)
}

// MemoryHealth is the in-memory health store.
type MemoryHealth struct {
	mu        sync.Mutex
	failures  int
	lastError string
	lastRunAt time.Time
}

// NewMemoryHealth creates a healthy store.
func NewMemoryHealth() *MemoryHealth { return &MemoryHealth{} }

// ConsecutiveFailures implements HealthStore.
func (m *MemoryHealth) ConsecutiveFailures(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures, nil
}

// RecordSuccess implements HealthStore.
func (m *MemoryHealth) RecordSuccess(ctx context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	m.lastError = ""
	m.lastRunAt = at
	return nil
}

// RecordFailure implements HealthStore.
func (m *MemoryHealth) RecordFailure(ctx context.Context, lastError string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	m.lastError = lastError
	m.lastRunAt = at
	return m.failures, nil
}

// SQLHealth is the Postgres health store over the single-row cron_health
// table.
type SQLHealth struct {
	db *sql.DB
}

// NewSQLHealth wraps an open database handle.
func NewSQLHealth(db *sql.DB) *SQLHealth { return &SQLHealth{db: db} }

// ConsecutiveFailures implements HealthStore.
func (s *SQLHealth) ConsecutiveFailures(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT consecutive_failures FROM cron_health WHERE id = 1`).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cron: health read: %w", err)
	}
	return n, nil
}

// RecordSuccess implements HealthStore.
func (s *SQLHealth) RecordSuccess(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_health (id, consecutive_failures, last_error, last_run_at)
		VALUES (1, 0, NULL, $1)
		ON CONFLICT (id) DO UPDATE SET
			consecutive_failures = 0, last_error = NULL, last_run_at = excluded.last_run_at`,
		at.UTC())
	if err != nil {
		return fmt.Errorf("cron: health success: %w", err)
	}
	return nil
}

// RecordFailure implements HealthStore.
func (s *SQLHealth) RecordFailure(ctx context.Context, lastError string, at time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cron_health (id, consecutive_failures, last_error, last_run_at)
		VALUES (1, 1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			consecutive_failures = cron_health.consecutive_failures + 1,
			last_error = excluded.last_error,
			last_run_at = excluded.last_run_at
		RETURNING consecutive_failures`,
		lastError, at.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cron: health failure: %w", err)
	}
	return n, nil
}
