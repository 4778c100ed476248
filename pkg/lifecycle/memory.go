package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/projector"
)

type targetKey struct {
	workspaceID, targetType, targetID string
}

// MemoryStore is the in-memory lifecycle store for tests and lite mode.
type MemoryStore struct {
	mu          sync.Mutex
	ledger      map[targetKey]map[string]*LedgerEntry // day -> entry
	states      map[targetKey]*State
	transitions []*Transition
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledger: make(map[targetKey]map[string]*LedgerEntry),
		states: make(map[targetKey]*State),
	}
}

func key(ws, tt, tid string) targetKey {
	return targetKey{workspaceID: ws, targetType: tt, targetID: tid}
}

// UpsertLedger implements Store.
func (m *MemoryStore) UpsertLedger(ctx context.Context, entry *LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(entry.WorkspaceID, entry.TargetType, entry.TargetID)
	if m.ledger[k] == nil {
		m.ledger[k] = make(map[string]*LedgerEntry)
	}
	cp := *entry
	m.ledger[k][entry.Day.Format("2006-01-02")] = &cp
	return nil
}

// GetState implements Store.
func (m *MemoryStore) GetState(ctx context.Context, ws, tt, tid string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key(ws, tt, tid)]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// UpsertState implements Store.
func (m *MemoryStore) UpsertState(ctx context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.states[key(s.WorkspaceID, s.TargetType, s.TargetID)] = &cp
	return nil
}

// InsertTransition implements Store.
func (m *MemoryStore) InsertTransition(ctx context.Context, tr *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tr
	m.transitions = append(m.transitions, &cp)
	return nil
}

// BackfillEvent implements Store.
func (m *MemoryStore) BackfillEvent(ctx context.Context, ws, tt, tid, transitionID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[key(ws, tt, tid)]; ok {
		s.LastEventID = eventID
	}
	for _, tr := range m.transitions {
		if tr.TransitionID == transitionID {
			tr.EventID = eventID
		}
	}
	return nil
}

// Transitions returns a snapshot of recorded transitions.
func (m *MemoryStore) Transitions() []*Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Transition, len(m.transitions))
	for i, tr := range m.transitions {
		cp := *tr
		out[i] = &cp
	}
	return out
}

// MemoryStats computes daily stats from the in-memory projections: run
// outcomes from proj_runs, violations and repeats from the incident and
// lesson models.
type MemoryStats struct {
	models *projector.MemoryModels
}

// NewMemoryStats wraps the in-memory projection store.
func NewMemoryStats(models *projector.MemoryModels) *MemoryStats {
	return &MemoryStats{models: models}
}

// Targets implements StatsSource: the workspace itself plus every agent
// that owns a run.
func (m *MemoryStats) Targets(ctx context.Context, workspaceID string) ([][2]string, error) {
	out := [][2]string{{"workspace", workspaceID}}
	rows, err := m.models.List(ctx, projector.TableRuns)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, row := range rows {
		if ws, _ := row["workspace_id"].(string); ws != workspaceID {
			continue
		}
		agent, _ := row["agent_id"].(string)
		if agent != "" && !seen[agent] {
			seen[agent] = true
			out = append(out, [2]string{"agent", agent})
		}
	}
	return out, nil
}

// DailyStats implements StatsSource.
func (m *MemoryStats) DailyStats(ctx context.Context, workspaceID, targetType, targetID string, day time.Time) (DailyStats, error) {
	var stats DailyStats
	dayEnd := day.Add(24 * time.Hour)

	runs, err := m.models.List(ctx, projector.TableRuns)
	if err != nil {
		return stats, err
	}
	for _, row := range runs {
		if ws, _ := row["workspace_id"].(string); ws != workspaceID {
			continue
		}
		if targetType == "agent" {
			if agent, _ := row["agent_id"].(string); agent != targetID {
				continue
			}
		}
		at, _ := row["updated_at"].(time.Time)
		if at.Before(day) || !at.Before(dayEnd) {
			continue
		}
		switch status, _ := row["status"].(string); contracts.RunStatus(status) {
		case contracts.RunCompleted:
			stats.Successes++
		case contracts.RunFailed:
			stats.Failures++
		}
	}

	lessons, err := m.models.List(ctx, projector.TableLessons)
	if err != nil {
		return stats, err
	}
	for _, row := range lessons {
		if ws, _ := row["workspace_id"].(string); ws != workspaceID {
			continue
		}
		if targetType == "agent" {
			if subject, _ := row["subject_key"].(string); subject != "agent:"+targetID {
				continue
			}
		}
		stats.Violations++
		if seenCount(row["seen_count"]) >= 2 {
			stats.RepeatedMistakes++
		}
	}
	return stats, nil
}

// seenCount tolerates both in-process ints and JSON-decoded float64s.
func seenCount(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
