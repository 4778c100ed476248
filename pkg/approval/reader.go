package approval

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/projector"
)

func recordFromRow(approvalID string, row projector.Row) *Record {
	str := func(k string) string {
		s, _ := row[k].(string)
		return s
	}
	rec := &Record{
		ApprovalID:    approvalID,
		WorkspaceID:   str("workspace_id"),
		Action:        str("action"),
		Status:        contracts.ApprovalStatus(str("status")),
		Scope:         contracts.ApprovalScope(str("scope")),
		CorrelationID: str("correlation_id"),
		Decision:      str("decision"),
		DecidedBy:     str("decided_by"),
	}
	if raw := str("expires_at"); raw != "" {
		if at, err := time.Parse(time.RFC3339, raw); err == nil {
			rec.ExpiresAt = &at
		}
	}
	return rec
}

// effectiveFor reports whether rec authorizes the given correlation and
// action at the given instant.
func (r *Record) effectiveFor(correlationID, action string, now time.Time) bool {
	if r.Status != contracts.ApprovalApproved {
		return false
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return false
	}
	if r.Action != "" && r.Action != action {
		return false
	}
	// Workspace-scoped approvals cover every correlation; everything
	// narrower is bound to the requesting correlation.
	if r.Scope == contracts.ScopeWorkspace {
		return true
	}
	return r.CorrelationID == correlationID
}

// MemoryReader reads approvals from the in-memory projection store.
type MemoryReader struct {
	models *projector.MemoryModels
	now    func() time.Time
}

// NewMemoryReader wraps the in-memory projection store.
func NewMemoryReader(models *projector.MemoryModels) *MemoryReader {
	return &MemoryReader{models: models, now: time.Now}
}

// WithClock replaces the time source (tests).
func (m *MemoryReader) WithClock(now func() time.Time) *MemoryReader {
	m.now = now
	return m
}

// Get implements Reader.
func (m *MemoryReader) Get(ctx context.Context, workspaceID, approvalID string) (*Record, error) {
	row, ok, err := m.models.Get(ctx, projector.TableApprovals, approvalID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, approvalID)
	}
	rec := recordFromRow(approvalID, row)
	if rec.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, approvalID)
	}
	return rec, nil
}

// ApprovedForCorrelation implements Reader.
func (m *MemoryReader) ApprovedForCorrelation(ctx context.Context, workspaceID, correlationID, action string) (bool, error) {
	rows, err := m.models.List(ctx, projector.TableApprovals)
	if err != nil {
		return false, err
	}
	now := m.now()
	for pk, row := range rows {
		rec := recordFromRow(pk, row)
		if rec.WorkspaceID == workspaceID && rec.effectiveFor(correlationID, action, now) {
			return true, nil
		}
	}
	return false, nil
}

// SQLReader reads approvals from the Postgres projection.
type SQLReader struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLReader wraps an open database handle.
func NewSQLReader(db *sql.DB) *SQLReader {
	return &SQLReader{db: db, now: time.Now}
}

// Get implements Reader.
func (s *SQLReader) Get(ctx context.Context, workspaceID, approvalID string) (*Record, error) {
	var (
		rec       Record
		action    sql.NullString
		status    sql.NullString
		scope     sql.NullString
		decision  sql.NullString
		decidedBy sql.NullString
		expiresAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, correlation_id,
		       doc->>'action', doc->>'status', doc->>'scope',
		       doc->>'decision', doc->>'decided_by', doc->>'expires_at'
		FROM proj_approvals
		WHERE pk = $1 AND workspace_id = $2`, approvalID, workspaceID).Scan(
		&rec.WorkspaceID, &rec.CorrelationID,
		&action, &status, &scope,
		&decision, &decidedBy, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, approvalID)
	}
	if err != nil {
		return nil, fmt.Errorf("approval: get: %w", err)
	}
	rec.ApprovalID = approvalID
	rec.Action = action.String
	rec.Status = contracts.ApprovalStatus(status.String)
	rec.Scope = contracts.ApprovalScope(scope.String)
	rec.Decision = decision.String
	rec.DecidedBy = decidedBy.String
	if expiresAt.Valid && expiresAt.String != "" {
		if at, err := time.Parse(time.RFC3339, expiresAt.String); err == nil {
			rec.ExpiresAt = &at
		}
	}
	return &rec, nil
}

// ApprovedForCorrelation implements Reader.
func (s *SQLReader) ApprovedForCorrelation(ctx context.Context, workspaceID, correlationID, action string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT true FROM proj_approvals
		WHERE workspace_id = $1
		  AND doc->>'status' = 'approved'
		  AND (doc->>'action' = $3 OR doc->>'action' IS NULL)
		  AND (correlation_id = $2 OR doc->>'scope' = 'workspace')
		  AND (doc->>'expires_at' IS NULL OR (doc->>'expires_at')::timestamptz > now())
		LIMIT 1`, workspaceID, correlationID, action).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("approval: approved lookup: %w", err)
	}
	return exists, nil
}
