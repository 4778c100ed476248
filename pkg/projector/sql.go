package projector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
)

// projectionTables is the allowlist of tables Upsert may touch. Table names
// are interpolated into SQL, so unknown names are rejected outright.
var projectionTables = map[string]bool{
	TableRuns:        true,
	TableApprovals:   true,
	TableIncidents:   true,
	TableMessages:    true,
	TableToolCalls:   true,
	TableScorecards:  true,
	TableEgress:      true,
	TableLifecycle:   true,
	TableLessons:     true,
	TableArtifacts:   true,
	TableEvidence:    true,
	TableExperiments: true,
}

// SQLModels is the Postgres ReadModels. Every projection table shares one
// shape: a primary key, bookkeeping columns, and a JSONB document that the
// upsert merges field by field.
type SQLModels struct {
	db *sql.DB
}

// NewSQLModels wraps an open database handle.
func NewSQLModels(db *sql.DB) *SQLModels {
	return &SQLModels{db: db}
}

// MarkApplied implements ReadModels.
func (s *SQLModels) MarkApplied(ctx context.Context, projector, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO proj_applied_events (projector, event_id, applied_at)
		VALUES ($1, $2, now())
		ON CONFLICT (projector, event_id) DO NOTHING`,
		projector, eventID)
	if err != nil {
		return false, fmt.Errorf("mark applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Upsert implements ReadModels. The stored document is merged with the new
// one (new fields win) and the row only moves forward in occurred-at order,
// so replays and out-of-order deliveries converge to the same state.
func (s *SQLModels) Upsert(ctx context.Context, table, pk string, row Row, e *contracts.Event) error {
	if !projectionTables[table] {
		return fmt.Errorf("upsert: unknown projection table %q", table)
	}
	doc, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (pk, workspace_id, correlation_id, doc, updated_at, last_event_id, last_event_occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pk) DO UPDATE SET
			doc = %s.doc || excluded.doc,
			correlation_id = excluded.correlation_id,
			updated_at = excluded.updated_at,
			last_event_id = excluded.last_event_id,
			last_event_occurred_at = excluded.last_event_occurred_at
		WHERE %s.last_event_occurred_at < excluded.last_event_occurred_at`,
		table, table, table)
	_, err = s.db.ExecContext(ctx, query,
		pk, e.WorkspaceID, e.CorrelationID, doc, e.RecordedAt.UTC(), e.EventID, e.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

// Get implements ReadModels.
func (s *SQLModels) Get(ctx context.Context, table, pk string) (Row, bool, error) {
	if !projectionTables[table] {
		return nil, false, fmt.Errorf("get: unknown projection table %q", table)
	}
	query := fmt.Sprintf(`
		SELECT workspace_id, correlation_id, doc, updated_at, last_event_id, last_event_occurred_at
		FROM %s WHERE pk = $1`, table)

	var (
		workspaceID, correlationID, lastEventID string
		doc                                     []byte
		updatedAt, lastOccurredAt               time.Time
	)
	err := s.db.QueryRowContext(ctx, query, pk).Scan(
		&workspaceID, &correlationID, &doc, &updatedAt, &lastEventID, &lastOccurredAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", table, err)
	}

	row := Row{}
	if err := json.Unmarshal(doc, &row); err != nil {
		return nil, false, fmt.Errorf("get %s: decode doc: %w", table, err)
	}
	row["workspace_id"] = workspaceID
	row["correlation_id"] = correlationID
	row["updated_at"] = updatedAt
	row["last_event_id"] = lastEventID
	row["last_event_occurred_at"] = lastOccurredAt
	return row, true, nil
}

// SetWatermark implements ReadModels.
func (s *SQLModels) SetWatermark(ctx context.Context, projector string, recordedAt time.Time, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proj_watermarks (projector, recorded_at, event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (projector) DO UPDATE SET
			recorded_at = excluded.recorded_at,
			event_id = excluded.event_id`,
		projector, recordedAt.UTC(), eventID)
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

// GetWatermark implements ReadModels.
func (s *SQLModels) GetWatermark(ctx context.Context, projector string) (eventstore.Cursor, error) {
	var c eventstore.Cursor
	err := s.db.QueryRowContext(ctx,
		`SELECT recorded_at, event_id FROM proj_watermarks WHERE projector = $1`,
		projector).Scan(&c.RecordedAt, &c.EventID)
	if err == sql.ErrNoRows {
		return eventstore.Cursor{}, nil
	}
	if err != nil {
		return eventstore.Cursor{}, fmt.Errorf("get watermark: %w", err)
	}
	return c, nil
}

// SetWorkspaceWatermark implements ReadModels.
func (s *SQLModels) SetWorkspaceWatermark(ctx context.Context, workspaceID string, occurredAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proj_workspace_watermarks (workspace_id, occurred_at)
		VALUES ($1, $2)
		ON CONFLICT (workspace_id) DO UPDATE SET occurred_at = excluded.occurred_at
		WHERE proj_workspace_watermarks.occurred_at < excluded.occurred_at`,
		workspaceID, occurredAt.UTC())
	if err != nil {
		return fmt.Errorf("set workspace watermark: %w", err)
	}
	return nil
}

// Park implements ReadModels.
func (s *SQLModels) Park(ctx context.Context, projector, eventID, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proj_dead_letter (projector, event_id, last_error, parked_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (projector, event_id) DO UPDATE SET
			last_error = excluded.last_error,
			parked_at = excluded.parked_at`,
		projector, eventID, lastError)
	if err != nil {
		return fmt.Errorf("park: %w", err)
	}
	return nil
}
