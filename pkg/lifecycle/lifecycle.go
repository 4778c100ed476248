// Package lifecycle drives the daily trust lifecycle of workspaces and
// agents. Each day a survival ledger entry is computed from the trailing
// window, a recommended state is derived, and the current state moves
// through active, probation, and sunset with hysteresis so one bad day
// cannot kill an agent and one good day cannot resurrect it.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
)

// Thresholds for the recommendation rules. Score and budget cutoffs come
// from the platform contract; they are not tunable per workspace.
const (
	scoreSunsetBelow    = 0.30
	scoreProbationBelow = 0.55
	budgetSunsetAbove   = 1.2
	budgetProbationOver = 0.9

	promoteFromProbationAfter = 2 // consecutive healthy days
	demoteToSunsetAfter       = 2 // consecutive sunset recommendations
	promoteFromSunsetAfter    = 3 // consecutive healthy days
)

// DailyStats is the raw per-day input for one target.
type DailyStats struct {
	Successes        int
	Failures         int
	BudgetSpent      float64
	BudgetLimit      float64
	Violations       int
	RepeatedMistakes int
}

// LedgerEntry is one survival ledger row.
type LedgerEntry struct {
	WorkspaceID       string
	TargetType        string // "workspace" or "agent"
	TargetID          string
	Day               time.Time // UTC date
	Stats             DailyStats
	SurvivalScore     float64
	BudgetUtilization float64
	Recommended       contracts.LifecycleState
}

// State is the current lifecycle position of a target.
type State struct {
	WorkspaceID        string
	TargetType         string
	TargetID           string
	Current            contracts.LifecycleState
	ConsecutiveHealthy int
	ConsecutiveSunset  int
	LastEvaluatedDay   time.Time
	LastEventID        string
}

// Transition records one state change.
type Transition struct {
	TransitionID string
	WorkspaceID  string
	TargetType   string
	TargetID     string
	FromState    contracts.LifecycleState
	ToState      contracts.LifecycleState
	Recommended  contracts.LifecycleState
	Day          time.Time
	EventID      string
}

// Store persists ledger entries, states, and transitions.
type Store interface {
	UpsertLedger(ctx context.Context, entry *LedgerEntry) error
	GetState(ctx context.Context, workspaceID, targetType, targetID string) (*State, error)
	UpsertState(ctx context.Context, s *State) error
	InsertTransition(ctx context.Context, tr *Transition) error

	// BackfillEvent stamps the triggering event id onto both the state row
	// and the transition row, so projection and history point at the same
	// event.
	BackfillEvent(ctx context.Context, workspaceID, targetType, targetID, transitionID, eventID string) error
}

// StatsSource computes a target's daily stats from the read models.
type StatsSource interface {
	DailyStats(ctx context.Context, workspaceID, targetType, targetID string, day time.Time) (DailyStats, error)
	// Targets lists the (targetType, targetID) pairs active in a workspace.
	Targets(ctx context.Context, workspaceID string) ([][2]string, error)
}

// Score derives the survival score from one day's stats.
//
// The score starts from the success ratio, then loses a tenth per policy
// violation and a fifth per repeated mistake, floored at zero. A day with
// no activity scores a neutral 0.6 so idle targets drift toward probation
// only through budget or violations.
func Score(s DailyStats) float64 {
	total := s.Successes + s.Failures
	var score float64
	if total == 0 {
		score = 0.6
	} else {
		score = float64(s.Successes) / float64(total)
	}
	score -= 0.1 * float64(s.Violations)
	score -= 0.2 * float64(s.RepeatedMistakes)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Utilization derives budget utilization; a zero limit reads as no budget.
func Utilization(s DailyStats) float64 {
	if s.BudgetLimit <= 0 {
		return 0
	}
	return s.BudgetSpent / s.BudgetLimit
}

// Recommend derives the recommended state for one day. Budget pressure only
// escalates; it never recommends a healthier state than the score does.
func Recommend(score, utilization float64, s DailyStats) contracts.LifecycleState {
	rec := contracts.LifecycleActive
	if score < scoreProbationBelow {
		rec = contracts.LifecycleProbation
	}
	if score < scoreSunsetBelow {
		rec = contracts.LifecycleSunset
	}

	if utilization > budgetSunsetAbove {
		rec = worse(rec, contracts.LifecycleSunset)
	} else if utilization > budgetProbationOver {
		rec = worse(rec, contracts.LifecycleProbation)
	}

	if s.Failures > s.Successes || s.RepeatedMistakes >= 2 {
		rec = worse(rec, contracts.LifecycleProbation)
	}
	if s.RepeatedMistakes >= 4 {
		rec = worse(rec, contracts.LifecycleSunset)
	}
	return rec
}

var stateRank = map[contracts.LifecycleState]int{
	contracts.LifecycleActive:    0,
	contracts.LifecycleProbation: 1,
	contracts.LifecycleSunset:    2,
}

func worse(a, b contracts.LifecycleState) contracts.LifecycleState {
	if stateRank[b] > stateRank[a] {
		return b
	}
	return a
}

// Next applies the hysteresis rules to the current state and today's
// recommendation, returning the new state and updated streak counters.
func Next(s *State, recommended contracts.LifecycleState) (contracts.LifecycleState, int, int) {
	healthy := recommended == contracts.LifecycleActive
	consecHealthy := 0
	if healthy {
		consecHealthy = s.ConsecutiveHealthy + 1
	}
	consecSunset := 0
	if recommended == contracts.LifecycleSunset {
		consecSunset = s.ConsecutiveSunset + 1
	}

	next := s.Current
	switch s.Current {
	case contracts.LifecycleActive:
		if !healthy {
			next = contracts.LifecycleProbation
		}
	case contracts.LifecycleProbation:
		if consecHealthy >= promoteFromProbationAfter {
			next = contracts.LifecycleActive
		} else if consecSunset >= demoteToSunsetAfter {
			next = contracts.LifecycleSunset
		}
	case contracts.LifecycleSunset:
		if consecHealthy >= promoteFromSunsetAfter {
			next = contracts.LifecycleProbation
		}
	}
	if next != s.Current {
		// Streaks restart after a transition.
		consecHealthy, consecSunset = 0, 0
	}
	return next, consecHealthy, consecSunset
}

// Evaluator runs the daily evaluation for one workspace.
type Evaluator struct {
	store  Store
	stats  StatsSource
	events eventstore.Store
	now    func() time.Time
}

// NewEvaluator wires the evaluator.
func NewEvaluator(store Store, stats StatsSource, events eventstore.Store) *Evaluator {
	return &Evaluator{store: store, stats: stats, events: events, now: time.Now}
}

// WithClock replaces the time source (tests).
func (ev *Evaluator) WithClock(now func() time.Time) *Evaluator {
	ev.now = now
	return ev
}

// EvaluateWorkspace evaluates every target in a workspace for the given
// day. Returns the number of state transitions.
func (ev *Evaluator) EvaluateWorkspace(ctx context.Context, workspaceID string, day time.Time) (int, error) {
	targets, err := ev.stats.Targets(ctx, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: list targets: %w", err)
	}
	transitions := 0
	for _, tgt := range targets {
		changed, err := ev.EvaluateTarget(ctx, workspaceID, tgt[0], tgt[1], day)
		if err != nil {
			return transitions, err
		}
		if changed {
			transitions++
		}
	}
	return transitions, nil
}

// EvaluateTarget runs one target's daily evaluation. Re-running the same
// day is a no-op on state (the ledger upsert converges, the streaks only
// advance once per day).
func (ev *Evaluator) EvaluateTarget(ctx context.Context, workspaceID, targetType, targetID string, day time.Time) (bool, error) {
	day = day.UTC().Truncate(24 * time.Hour)

	stats, err := ev.stats.DailyStats(ctx, workspaceID, targetType, targetID, day)
	if err != nil {
		return false, fmt.Errorf("lifecycle: stats %s/%s: %w", targetType, targetID, err)
	}

	entry := &LedgerEntry{
		WorkspaceID:       workspaceID,
		TargetType:        targetType,
		TargetID:          targetID,
		Day:               day,
		Stats:             stats,
		SurvivalScore:     Score(stats),
		BudgetUtilization: Utilization(stats),
	}
	entry.Recommended = Recommend(entry.SurvivalScore, entry.BudgetUtilization, stats)
	if err := ev.store.UpsertLedger(ctx, entry); err != nil {
		return false, fmt.Errorf("lifecycle: upsert ledger: %w", err)
	}

	state, err := ev.store.GetState(ctx, workspaceID, targetType, targetID)
	if err != nil {
		return false, fmt.Errorf("lifecycle: get state: %w", err)
	}
	if state == nil {
		state = &State{
			WorkspaceID: workspaceID,
			TargetType:  targetType,
			TargetID:    targetID,
			Current:     contracts.LifecycleActive,
		}
	}
	if state.LastEvaluatedDay.Equal(day) {
		return false, nil
	}

	next, consecHealthy, consecSunset := Next(state, entry.Recommended)
	changed := next != state.Current
	from := state.Current

	state.ConsecutiveHealthy = consecHealthy
	state.ConsecutiveSunset = consecSunset
	state.LastEvaluatedDay = day
	state.Current = next
	if err := ev.store.UpsertState(ctx, state); err != nil {
		return false, fmt.Errorf("lifecycle: upsert state: %w", err)
	}

	if !changed {
		return false, nil
	}

	tr := &Transition{
		TransitionID: "ltr_" + uuid.NewString(),
		WorkspaceID:  workspaceID,
		TargetType:   targetType,
		TargetID:     targetID,
		FromState:    from,
		ToState:      next,
		Recommended:  entry.Recommended,
		Day:          day,
	}
	if err := ev.store.InsertTransition(ctx, tr); err != nil {
		return false, fmt.Errorf("lifecycle: insert transition: %w", err)
	}

	e, err := ev.events.Append(ctx, eventstore.Envelope{
		EventType:      contracts.EventLifecycleStateChanged,
		WorkspaceID:    workspaceID,
		Actor:          contracts.Actor{Type: contracts.ActorService, ID: "lifecycle"},
		Stream:         eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: workspaceID},
		CorrelationID:  "lifecycle:" + targetType + ":" + targetID,
		IdempotencyKey: fmt.Sprintf("lifecycle:%s:%s:%s:%s", workspaceID, targetType, targetID, day.Format("2006-01-02")),
		Data: map[string]any{
			"target_type":    targetType,
			"target_id":      targetID,
			"from_state":     string(from),
			"to_state":       string(next),
			"recommended":    string(entry.Recommended),
			"survival_score": entry.SurvivalScore,
			"transition_id":  tr.TransitionID,
		},
	})
	if err != nil {
		return false, fmt.Errorf("lifecycle: append state change: %w", err)
	}

	if err := ev.store.BackfillEvent(ctx, workspaceID, targetType, targetID, tr.TransitionID, e.EventID); err != nil {
		return false, fmt.Errorf("lifecycle: backfill event: %w", err)
	}
	return true, nil
}
