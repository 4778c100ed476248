package capability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the in-memory token store used by tests and lite mode.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// NewMemoryStore creates an empty token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*Token)}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, tokenID string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, tokenID)
	}
	cp := *t
	return &cp, nil
}

// Insert implements Store.
func (m *MemoryStore) Insert(ctx context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.TokenID]; ok {
		return fmt.Errorf("capability: token %s already exists", t.TokenID)
	}
	cp := *t
	m.tokens[t.TokenID] = &cp
	return nil
}

// Revoke implements Store.
func (m *MemoryStore) Revoke(ctx context.Context, tokenID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, tokenID)
	}
	if t.RevokedAt == nil {
		t.RevokedAt = &at
	}
	return nil
}
