package cron

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/arbiterhq/arbiter/pkg/projector"
)

// triageErrorCodes are run failures already routed elsewhere; the
// demoted_stale sweep skips them.
var triageErrorCodes = map[string]bool{
	"approval_denied":  true,
	"approval_revoked": true,
	"quarantined":      true,
}

// MemorySource discovers candidates from the in-memory projection store.
type MemorySource struct {
	models *projector.MemoryModels
}

// NewMemorySource wraps the in-memory projection store.
func NewMemorySource(models *projector.MemoryModels) *MemorySource {
	return &MemorySource{models: models}
}

// Workspaces implements Source.
func (m *MemorySource) Workspaces(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, table := range []string{projector.TableApprovals, projector.TableRuns} {
		rows, err := m.models.List(ctx, table)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if ws, ok := row["workspace_id"].(string); ok && ws != "" {
				seen[ws] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for ws := range seen {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemorySource) collect(ctx context.Context, table, workspaceID, entityType string, olderThan time.Time, limit int, match func(row projector.Row) bool) ([]Entity, error) {
	rows, err := m.models.List(ctx, table)
	if err != nil {
		return nil, err
	}
	type aged struct {
		id string
		at time.Time
	}
	var hits []aged
	for pk, row := range rows {
		if ws, _ := row["workspace_id"].(string); ws != workspaceID {
			continue
		}
		at, _ := row["updated_at"].(time.Time)
		if !at.Before(olderThan) {
			continue
		}
		if !match(row) {
			continue
		}
		hits = append(hits, aged{id: pk, at: at})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].at.Before(hits[j].at) })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Entity, len(hits))
	for i, h := range hits {
		out[i] = Entity{Type: entityType, ID: h.id}
	}
	return out, nil
}

// StaleApprovals implements Source.
func (m *MemorySource) StaleApprovals(ctx context.Context, workspaceID string, olderThan time.Time, limit int) ([]Entity, error) {
	return m.collect(ctx, projector.TableApprovals, workspaceID, "approval", olderThan, limit, func(row projector.Row) bool {
		status, _ := row["status"].(string)
		return status == "pending" || status == "held"
	})
}

// StuckRuns implements Source.
func (m *MemorySource) StuckRuns(ctx context.Context, workspaceID string, olderThan time.Time, limit int) ([]Entity, error) {
	return m.collect(ctx, projector.TableRuns, workspaceID, "run", olderThan, limit, func(row projector.Row) bool {
		status, _ := row["status"].(string)
		return status == "queued" || status == "running"
	})
}

// DemotedStaleRuns implements Source.
func (m *MemorySource) DemotedStaleRuns(ctx context.Context, workspaceID string, olderThan time.Time, limit int) ([]Entity, error) {
	return m.collect(ctx, projector.TableRuns, workspaceID, "run", olderThan, limit, func(row projector.Row) bool {
		status, _ := row["status"].(string)
		code, _ := row["error_code"].(string)
		return status == "failed" && !triageErrorCodes[code]
	})
}

// SQLSource discovers candidates from the Postgres projections. Candidate
// rows are locked with NOWAIT; rows another sweeper holds are skipped and
// counted, not waited on.
type SQLSource struct {
	db *sql.DB
}

// NewSQLSource wraps an open database handle.
func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

// Workspaces implements Source.
func (s *SQLSource) Workspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT workspace_id FROM proj_approvals
		UNION
		SELECT DISTINCT workspace_id FROM proj_runs
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("cron: workspaces: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// lockNotAvailable is the Postgres error class raised by NOWAIT.
const lockNotAvailable = "55P03"

func (s *SQLSource) lockAndCollect(ctx context.Context, query, workspaceID string, olderThan time.Time, limit int, entityType string) ([]Entity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("cron: candidates begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, workspaceID, olderThan.UTC(), limit)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == lockNotAvailable {
			// skipped_locked: another sweeper holds the batch.
			return nil, nil
		}
		return nil, fmt.Errorf("cron: candidates: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, Entity{Type: entityType, ID: id})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

// StaleApprovals implements Source.
func (s *SQLSource) StaleApprovals(ctx context.Context, workspaceID string, olderThan time.Time, limit int) ([]Entity, error) {
	return s.lockAndCollect(ctx, `
		SELECT pk FROM proj_approvals
		WHERE workspace_id = $1
		  AND doc->>'status' IN ('pending', 'held')
		  AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
		FOR UPDATE NOWAIT`, workspaceID, olderThan, limit, "approval")
}

// StuckRuns implements Source.
func (s *SQLSource) StuckRuns(ctx context.Context, workspaceID string, olderThan time.Time, limit int) ([]Entity, error) {
	return s.lockAndCollect(ctx, `
		SELECT pk FROM proj_runs
		WHERE workspace_id = $1
		  AND doc->>'status' IN ('queued', 'running')
		  AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
		FOR UPDATE NOWAIT`, workspaceID, olderThan, limit, "run")
}

// DemotedStaleRuns implements Source.
func (s *SQLSource) DemotedStaleRuns(ctx context.Context, workspaceID string, olderThan time.Time, limit int) ([]Entity, error) {
	return s.lockAndCollect(ctx, `
		SELECT pk FROM proj_runs
		WHERE workspace_id = $1
		  AND doc->>'status' = 'failed'
		  AND updated_at < $2
		  AND COALESCE(doc->>'error_code', '') NOT IN ('approval_denied', 'approval_revoked', 'quarantined')
		  AND NOT EXISTS (
			SELECT 1 FROM proj_incidents i
			WHERE i.workspace_id = $1
			  AND i.doc->>'entity_id' = proj_runs.pk
			  AND i.doc->>'status' = 'open'
		  )
		ORDER BY updated_at ASC
		LIMIT $3
		FOR UPDATE NOWAIT`, workspaceID, olderThan, limit, "run")
}
