package automation

import (
	"context"
	"time"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/projector"
)

// Outcomes aggregates an agent's scorecards over the lookback window.
type Outcomes struct {
	Pass   int
	Fail   int
	Severe int
}

// MemoryIndex answers loop queries from the in-memory projection store.
type MemoryIndex struct {
	models *projector.MemoryModels
}

// NewMemoryIndex wraps the in-memory projection store.
func NewMemoryIndex(models *projector.MemoryModels) *MemoryIndex {
	return &MemoryIndex{models: models}
}

// ScorecardOutcomes implements Index.
func (m *MemoryIndex) ScorecardOutcomes(ctx context.Context, workspaceID, agentID string, since time.Time) (Outcomes, error) {
	rows, err := m.models.List(ctx, projector.TableScorecards)
	if err != nil {
		return Outcomes{}, err
	}
	var out Outcomes
	for _, row := range rows {
		if ws, _ := row["workspace_id"].(string); ws != workspaceID {
			continue
		}
		if agent, _ := row["agent_id"].(string); agent != agentID {
			continue
		}
		at, _ := row["last_event_occurred_at"].(time.Time)
		if at.Before(since) {
			continue
		}
		switch row["decision"] {
		case "pass":
			out.Pass++
		case "fail":
			out.Fail++
			if row["severity"] == "severe" {
				out.Severe++
			}
		}
	}
	return out, nil
}

// OpenApprovalForCorrelation implements Index.
func (m *MemoryIndex) OpenApprovalForCorrelation(ctx context.Context, workspaceID, correlationID string) (string, error) {
	rows, err := m.models.List(ctx, projector.TableApprovals)
	if err != nil {
		return "", err
	}
	for pk, row := range rows {
		if ws, _ := row["workspace_id"].(string); ws != workspaceID {
			continue
		}
		if corr, _ := row["correlation_id"].(string); corr != correlationID {
			continue
		}
		status, _ := row["status"].(string)
		if status == string(contracts.ApprovalPending) || status == string(contracts.ApprovalApproved) {
			return pk, nil
		}
	}
	return "", nil
}

// RunHadDenial implements Index.
func (m *MemoryIndex) RunHadDenial(ctx context.Context, workspaceID, runID string) (bool, error) {
	rows, err := m.models.List(ctx, projector.TableApprovals)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if ws, _ := row["workspace_id"].(string); ws != workspaceID {
			continue
		}
		if corr, _ := row["correlation_id"].(string); corr != "run:"+runID {
			continue
		}
		if status, _ := row["status"].(string); status == string(contracts.ApprovalDenied) {
			return true, nil
		}
	}
	return false, nil
}

// RunRiskTier implements Index.
func (m *MemoryIndex) RunRiskTier(ctx context.Context, workspaceID, runID string) (string, error) {
	row, ok, err := m.models.Get(ctx, projector.TableRuns, runID)
	if err != nil || !ok {
		return "", err
	}
	if ws, _ := row["workspace_id"].(string); ws != workspaceID {
		return "", nil
	}
	tier, _ := row["risk_tier"].(string)
	return tier, nil
}

// HasOpenIncident implements Index.
func (m *MemoryIndex) HasOpenIncident(ctx context.Context, workspaceID, entityID string) (bool, error) {
	rows, err := m.models.List(ctx, projector.TableIncidents)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if ws, _ := row["workspace_id"].(string); ws != workspaceID {
			continue
		}
		if id, _ := row["entity_id"].(string); id != entityID {
			continue
		}
		if status, _ := row["status"].(string); status == "open" {
			return true, nil
		}
	}
	return false, nil
}
