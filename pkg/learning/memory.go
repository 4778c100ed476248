package learning

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	reasonCode string
	seenCount  int
	lastSeen   time.Time
}

// MemoryStore is the in-memory ledger store used by tests and lite mode.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]*memoryEntry
}

// NewMemoryStore creates an empty ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]*memoryEntry)}
}

// Observe implements Store.
func (m *MemoryStore) Observe(ctx context.Context, key Key, reasonCode string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &memoryEntry{reasonCode: reasonCode}
		m.entries[key] = e
	}
	e.seenCount++
	e.lastSeen = at
	e.reasonCode = reasonCode
	return e.seenCount, nil
}

// LiveConstraint implements Store.
func (m *MemoryStore) LiveConstraint(ctx context.Context, key Key, reasonCode string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && e.reasonCode == reasonCode, nil
}

// SeenCount returns the counter for a key (test helper).
func (m *MemoryStore) SeenCount(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e.seenCount
	}
	return 0
}
