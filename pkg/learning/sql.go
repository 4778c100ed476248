package learning

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLStore is the Postgres ledger store over sec_constraints and
// sec_mistake_counters.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Observe implements Store. Both tables are upserted in one transaction so
// the counter and the constraint never diverge.
func (s *SQLStore) Observe(ctx context.Context, key Key, reasonCode string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("learning: begin: %w", err)
	}
	defer tx.Rollback()

	var seen int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sec_constraints
			(workspace_id, subject_key, category, pattern_hash, reason_code, seen_count, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
		ON CONFLICT (workspace_id, subject_key, category, pattern_hash) DO UPDATE SET
			seen_count = sec_constraints.seen_count + 1,
			reason_code = excluded.reason_code,
			last_seen_at = excluded.last_seen_at
		RETURNING seen_count`,
		key.WorkspaceID, key.SubjectKey, key.Category, key.PatternHash, reasonCode, at.UTC()).Scan(&seen)
	if err != nil {
		return 0, fmt.Errorf("learning: upsert constraint: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sec_mistake_counters
			(workspace_id, subject_key, category, pattern_hash, repeat_count, last_seen_at)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (workspace_id, subject_key, category, pattern_hash) DO UPDATE SET
			repeat_count = sec_mistake_counters.repeat_count + 1,
			last_seen_at = excluded.last_seen_at`,
		key.WorkspaceID, key.SubjectKey, key.Category, key.PatternHash, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("learning: upsert counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("learning: commit: %w", err)
	}
	return seen, nil
}

// LiveConstraint implements Store.
func (s *SQLStore) LiveConstraint(ctx context.Context, key Key, reasonCode string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT true FROM sec_constraints
		WHERE workspace_id = $1 AND subject_key = $2 AND category = $3
		  AND pattern_hash = $4 AND reason_code = $5`,
		key.WorkspaceID, key.SubjectKey, key.Category, key.PatternHash, reasonCode).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("learning: live constraint: %w", err)
	}
	return exists, nil
}
