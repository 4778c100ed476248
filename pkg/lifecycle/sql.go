package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// SQLStore is the Postgres lifecycle store over lc_survival_ledger,
// lc_states, and lc_transitions.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// UpsertLedger implements Store.
func (s *SQLStore) UpsertLedger(ctx context.Context, e *LedgerEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lc_survival_ledger
			(workspace_id, target_type, target_id, day,
			 successes, failures, budget_spent, budget_limit, violations, repeated_mistakes,
			 survival_score, budget_utilization, recommended_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (workspace_id, target_type, target_id, day) DO UPDATE SET
			successes = excluded.successes,
			failures = excluded.failures,
			budget_spent = excluded.budget_spent,
			budget_limit = excluded.budget_limit,
			violations = excluded.violations,
			repeated_mistakes = excluded.repeated_mistakes,
			survival_score = excluded.survival_score,
			budget_utilization = excluded.budget_utilization,
			recommended_state = excluded.recommended_state`,
		e.WorkspaceID, e.TargetType, e.TargetID, e.Day,
		e.Stats.Successes, e.Stats.Failures, e.Stats.BudgetSpent, e.Stats.BudgetLimit,
		e.Stats.Violations, e.Stats.RepeatedMistakes,
		e.SurvivalScore, e.BudgetUtilization, string(e.Recommended))
	if err != nil {
		return fmt.Errorf("lifecycle: upsert ledger: %w", err)
	}
	return nil
}

// GetState implements Store.
func (s *SQLStore) GetState(ctx context.Context, ws, tt, tid string) (*State, error) {
	var (
		st      State
		current string
		eventID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, target_type, target_id, current_state,
		       consecutive_healthy, consecutive_sunset, last_evaluated_day, last_event_id
		FROM lc_states
		WHERE workspace_id = $1 AND target_type = $2 AND target_id = $3`,
		ws, tt, tid).Scan(
		&st.WorkspaceID, &st.TargetType, &st.TargetID, &current,
		&st.ConsecutiveHealthy, &st.ConsecutiveSunset, &st.LastEvaluatedDay, &eventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: get state: %w", err)
	}
	st.Current = contracts.LifecycleState(current)
	st.LastEventID = eventID.String
	return &st, nil
}

// UpsertState implements Store.
func (s *SQLStore) UpsertState(ctx context.Context, st *State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lc_states
			(workspace_id, target_type, target_id, current_state,
			 consecutive_healthy, consecutive_sunset, last_evaluated_day, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (workspace_id, target_type, target_id) DO UPDATE SET
			current_state = excluded.current_state,
			consecutive_healthy = excluded.consecutive_healthy,
			consecutive_sunset = excluded.consecutive_sunset,
			last_evaluated_day = excluded.last_evaluated_day,
			updated_at = now()`,
		st.WorkspaceID, st.TargetType, st.TargetID, string(st.Current),
		st.ConsecutiveHealthy, st.ConsecutiveSunset, st.LastEvaluatedDay)
	if err != nil {
		return fmt.Errorf("lifecycle: upsert state: %w", err)
	}
	return nil
}

// InsertTransition implements Store.
func (s *SQLStore) InsertTransition(ctx context.Context, tr *Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lc_transitions
			(transition_id, workspace_id, target_type, target_id,
			 from_state, to_state, recommended_state, day, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		tr.TransitionID, tr.WorkspaceID, tr.TargetType, tr.TargetID,
		string(tr.FromState), string(tr.ToState), string(tr.Recommended), tr.Day)
	if err != nil {
		return fmt.Errorf("lifecycle: insert transition: %w", err)
	}
	return nil
}

// BackfillEvent implements Store: one transaction stamps the event id onto
// both rows.
func (s *SQLStore) BackfillEvent(ctx context.Context, ws, tt, tid, transitionID, eventID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lifecycle: backfill begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE lc_states SET last_event_id = $4
		WHERE workspace_id = $1 AND target_type = $2 AND target_id = $3`,
		ws, tt, tid, eventID); err != nil {
		return fmt.Errorf("lifecycle: backfill state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE lc_transitions SET event_id = $2 WHERE transition_id = $1`,
		transitionID, eventID); err != nil {
		return fmt.Errorf("lifecycle: backfill transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lifecycle: backfill commit: %w", err)
	}
	return nil
}

// SQLStats computes daily stats from the Postgres projections.
type SQLStats struct {
	db *sql.DB
}

// NewSQLStats wraps an open database handle.
func NewSQLStats(db *sql.DB) *SQLStats {
	return &SQLStats{db: db}
}

// Targets implements StatsSource.
func (s *SQLStats) Targets(ctx context.Context, workspaceID string) ([][2]string, error) {
	out := [][2]string{{"workspace", workspaceID}}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT doc->>'agent_id' FROM proj_runs
		WHERE workspace_id = $1 AND COALESCE(doc->>'agent_id', '') <> ''
		ORDER BY 1`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: targets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, err
		}
		out = append(out, [2]string{"agent", agent})
	}
	return out, rows.Err()
}

// DailyStats implements StatsSource.
func (s *SQLStats) DailyStats(ctx context.Context, workspaceID, targetType, targetID string, day time.Time) (DailyStats, error) {
	var stats DailyStats
	dayEnd := day.Add(24 * time.Hour)

	agentFilter := ""
	args := []any{workspaceID, day, dayEnd}
	if targetType == "agent" {
		agentFilter = ` AND doc->>'agent_id' = $4`
		args = append(args, targetID)
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE doc->>'status' = 'completed'),
			COUNT(*) FILTER (WHERE doc->>'status' = 'failed')
		FROM proj_runs
		WHERE workspace_id = $1 AND updated_at >= $2 AND updated_at < $3`+agentFilter,
		args...).Scan(&stats.Successes, &stats.Failures)
	if err != nil {
		return stats, fmt.Errorf("lifecycle: run stats: %w", err)
	}

	subjectFilter := ""
	largs := []any{workspaceID}
	if targetType == "agent" {
		subjectFilter = ` AND subject_key = $2`
		largs = append(largs, "agent:"+targetID)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE seen_count >= 2)
		FROM sec_constraints
		WHERE workspace_id = $1`+subjectFilter, largs...).Scan(&stats.Violations, &stats.RepeatedMistakes)
	if err != nil {
		return stats, fmt.Errorf("lifecycle: constraint stats: %w", err)
	}
	return stats, nil
}
