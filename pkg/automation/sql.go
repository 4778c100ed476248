package automation

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLIndex answers loop queries from the Postgres projections.
type SQLIndex struct {
	db *sql.DB
}

// NewSQLIndex wraps an open database handle.
func NewSQLIndex(db *sql.DB) *SQLIndex {
	return &SQLIndex{db: db}
}

// ScorecardOutcomes implements Index.
func (s *SQLIndex) ScorecardOutcomes(ctx context.Context, workspaceID, agentID string, since time.Time) (Outcomes, error) {
	var out Outcomes
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE doc->>'decision' = 'pass'),
			COUNT(*) FILTER (WHERE doc->>'decision' = 'fail'),
			COUNT(*) FILTER (WHERE doc->>'decision' = 'fail' AND doc->>'severity' = 'severe')
		FROM proj_scorecards
		WHERE workspace_id = $1
		  AND doc->>'agent_id' = $2
		  AND last_event_occurred_at >= $3`,
		workspaceID, agentID, since.UTC()).Scan(&out.Pass, &out.Fail, &out.Severe)
	if err != nil {
		return Outcomes{}, fmt.Errorf("automation: scorecard outcomes: %w", err)
	}
	return out, nil
}

// OpenApprovalForCorrelation implements Index.
func (s *SQLIndex) OpenApprovalForCorrelation(ctx context.Context, workspaceID, correlationID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT pk FROM proj_approvals
		WHERE workspace_id = $1
		  AND correlation_id = $2
		  AND doc->>'status' IN ('pending', 'approved')
		ORDER BY updated_at DESC
		LIMIT 1`,
		workspaceID, correlationID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("automation: open approval: %w", err)
	}
	return id, nil
}

// RunHadDenial implements Index.
func (s *SQLIndex) RunHadDenial(ctx context.Context, workspaceID, runID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM proj_approvals
		WHERE workspace_id = $1
		  AND correlation_id = $2
		  AND doc->>'status' = 'denied'`,
		workspaceID, "run:"+runID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("automation: run denial: %w", err)
	}
	return n > 0, nil
}

// RunRiskTier implements Index.
func (s *SQLIndex) RunRiskTier(ctx context.Context, workspaceID, runID string) (string, error) {
	var tier sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT doc->>'risk_tier' FROM proj_runs
		WHERE workspace_id = $1 AND pk = $2`,
		workspaceID, runID).Scan(&tier)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("automation: run risk tier: %w", err)
	}
	return tier.String, nil
}

// HasOpenIncident implements Index.
func (s *SQLIndex) HasOpenIncident(ctx context.Context, workspaceID, entityID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM proj_incidents
		WHERE workspace_id = $1
		  AND doc->>'entity_id' = $2
		  AND doc->>'status' = 'open'`,
		workspaceID, entityID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("automation: open incident: %w", err)
	}
	return n > 0, nil
}
