package auth

import (
	"context"
	"sync"
)

// MemorySessionStore is the in-memory SessionStore used by tests and the
// sqlite lite mode.
type MemorySessionStore struct {
	mu         sync.Mutex
	byID       map[string]*Session
	byToken    map[string]string
	byRefresh  map[string]string
}

// NewMemorySessionStore builds an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		byID:      make(map[string]*Session),
		byToken:   make(map[string]string),
		byRefresh: make(map[string]string),
	}
}

// Insert implements SessionStore.
func (m *MemorySessionStore) Insert(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.byID[s.SessionID] = &cp
	m.byToken[s.TokenHash] = s.SessionID
	m.byRefresh[s.RefreshHash] = s.SessionID
	return nil
}

// GetByTokenHash implements SessionStore.
func (m *MemorySessionStore) GetByTokenHash(ctx context.Context, hash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byToken[hash]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

// GetByRefreshHash implements SessionStore.
func (m *MemorySessionStore) GetByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRefresh[hash]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

// Delete implements SessionStore.
func (m *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return nil
	}
	delete(m.byToken, s.TokenHash)
	delete(m.byRefresh, s.RefreshHash)
	delete(m.byID, sessionID)
	return nil
}

// MemoryCredentials is an in-memory CredentialStore.
type MemoryCredentials struct {
	mu    sync.Mutex
	users map[string]credential
}

type credential struct {
	hash        string
	principalID string
	workspaceID string
}

// NewMemoryCredentials builds an empty store.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{users: make(map[string]credential)}
}

// Add registers an owner with a bcrypt-hashed password.
func (m *MemoryCredentials) Add(email, password, principalID, workspaceID string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[email] = credential{hash: hash, principalID: principalID, workspaceID: workspaceID}
	return nil
}

// PasswordHash implements CredentialStore.
func (m *MemoryCredentials) PasswordHash(ctx context.Context, email string) (string, string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.users[email]
	if !ok {
		return "", "", "", ErrInvalidCredentials
	}
	return c.hash, c.principalID, c.workspaceID, nil
}
