package projector

import (
	"context"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
)

// MemoryModels is the in-memory ReadModels used by tests and lite mode.
type MemoryModels struct {
	mu         sync.RWMutex
	applied    map[string]bool                 // projector|eventID
	tables     map[string]map[string]Row      // table -> pk -> row
	rowMarks   map[string]time.Time           // table|pk -> last_event_occurred_at
	watermarks map[string]eventstore.Cursor   // projector -> cursor
	wsMarks    map[string]time.Time           // workspace -> occurred_at
	deadLetter map[string]string              // projector|eventID -> last error
}

// NewMemoryModels creates an empty projection store.
func NewMemoryModels() *MemoryModels {
	return &MemoryModels{
		applied:    make(map[string]bool),
		tables:     make(map[string]map[string]Row),
		rowMarks:   make(map[string]time.Time),
		watermarks: make(map[string]eventstore.Cursor),
		wsMarks:    make(map[string]time.Time),
		deadLetter: make(map[string]string),
	}
}

// MarkApplied implements ReadModels.
func (m *MemoryModels) MarkApplied(ctx context.Context, projector, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := projector + "|" + eventID
	if m.applied[key] {
		return false, nil
	}
	m.applied[key] = true
	return true, nil
}

// Upsert implements ReadModels with the occurred-at watermark guard.
func (m *MemoryModels) Upsert(ctx context.Context, table, pk string, row Row, e *contracts.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	markKey := table + "|" + pk
	if prev, ok := m.rowMarks[markKey]; ok && !prev.Before(e.OccurredAt) {
		return nil // out-of-order update dropped
	}

	if m.tables[table] == nil {
		m.tables[table] = make(map[string]Row)
	}
	stored := make(Row, len(row)+4)
	// Merge onto the existing row so partial updates keep earlier fields.
	for k, v := range m.tables[table][pk] {
		stored[k] = v
	}
	for k, v := range row {
		stored[k] = v
	}
	stored["workspace_id"] = e.WorkspaceID
	stored["correlation_id"] = e.CorrelationID
	stored["updated_at"] = e.RecordedAt
	stored["last_event_id"] = e.EventID
	stored["last_event_occurred_at"] = e.OccurredAt
	m.tables[table][pk] = stored
	m.rowMarks[markKey] = e.OccurredAt
	return nil
}

// Get implements ReadModels.
func (m *MemoryModels) Get(ctx context.Context, table, pk string) (Row, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.tables[table][pk]
	if !ok {
		return nil, false, nil
	}
	cp := make(Row, len(row))
	for k, v := range row {
		cp[k] = v
	}
	return cp, true, nil
}

// List returns every row of a table (test and sweep convenience).
func (m *MemoryModels) List(ctx context.Context, table string) (map[string]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Row, len(m.tables[table]))
	for pk, row := range m.tables[table] {
		cp := make(Row, len(row))
		for k, v := range row {
			cp[k] = v
		}
		out[pk] = cp
	}
	return out, nil
}

// SetWatermark implements ReadModels.
func (m *MemoryModels) SetWatermark(ctx context.Context, projector string, recordedAt time.Time, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[projector] = eventstore.Cursor{RecordedAt: recordedAt, EventID: eventID}
	return nil
}

// GetWatermark implements ReadModels.
func (m *MemoryModels) GetWatermark(ctx context.Context, projector string) (eventstore.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermarks[projector], nil
}

// SetWorkspaceWatermark implements ReadModels.
func (m *MemoryModels) SetWorkspaceWatermark(ctx context.Context, workspaceID string, occurredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.wsMarks[workspaceID]; !ok || prev.Before(occurredAt) {
		m.wsMarks[workspaceID] = occurredAt
	}
	return nil
}

// Park implements ReadModels.
func (m *MemoryModels) Park(ctx context.Context, projector, eventID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetter[projector+"|"+eventID] = lastError
	return nil
}

// DeadLetter returns the parked (projector, event) pairs.
func (m *MemoryModels) DeadLetter() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.deadLetter))
	for k, v := range m.deadLetter {
		out[k] = v
	}
	return out
}

// ResetDeadLetter clears one parked pair so it can be replayed (operator action).
func (m *MemoryModels) ResetDeadLetter(projector, eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := projector + "|" + eventID
	delete(m.deadLetter, key)
	delete(m.applied, key)
}
