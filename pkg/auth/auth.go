// Package auth authenticates inbound requests: owner sessions (opaque
// bearer + refresh token), service-principal JWTs, and the principal
// context propagated through the request chain. Session secrets are never
// stored; only sha256(secret ":" token) digests are persisted.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned for a wrong email/password pair.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrSessionNotFound is returned when a bearer token matches no live
	// session.
	ErrSessionNotFound = errors.New("auth: session not found")

	// ErrSessionExpired is returned when the session exists but has lapsed.
	ErrSessionExpired = errors.New("auth: session expired")
)

// Principal is the resolved identity of a request.
type Principal struct {
	ID          string
	WorkspaceID string
	Kind        string // "owner", "service", "agent"
	Roles       []string
}

type principalKey struct{}

// WithPrincipal attaches the principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the principal, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// AuthorizedForWorkspace reports whether the principal may act in the
// workspace. Service principals with no workspace binding are unrestricted.
func (p *Principal) AuthorizedForWorkspace(workspaceID string) bool {
	if p == nil {
		return false
	}
	if p.WorkspaceID == "" && p.Kind == "service" {
		return true
	}
	return p.WorkspaceID == workspaceID
}

// Session is one live owner session.
type Session struct {
	SessionID    string
	PrincipalID  string
	WorkspaceID  string
	TokenHash    string
	RefreshHash  string
	ExpiresAt    time.Time
	RefreshUntil time.Time
	CreatedAt    time.Time
}

// SessionStore persists sessions keyed by token hash.
type SessionStore interface {
	Insert(ctx context.Context, s *Session) error
	GetByTokenHash(ctx context.Context, hash string) (*Session, error)
	GetByRefreshHash(ctx context.Context, hash string) (*Session, error)
	Delete(ctx context.Context, sessionID string) error
}

// CredentialStore answers owner login lookups.
type CredentialStore interface {
	// PasswordHash returns the bcrypt hash and principal/workspace ids for
	// the email, or ErrInvalidCredentials.
	PasswordHash(ctx context.Context, email string) (hash, principalID, workspaceID string, err error)
}

// TokenPair is what a login or refresh hands back to the client.
type TokenPair struct {
	SessionToken string
	RefreshToken string
	ExpiresAt    time.Time
}

// Sessions issues and resolves owner sessions.
type Sessions struct {
	store       SessionStore
	credentials CredentialStore
	secret      string
	ttl         time.Duration
	refreshTTL  time.Duration
	now         func() time.Time
}

// NewSessions builds the session manager. The secret salts token digests so
// a stolen sessions table alone cannot be replayed.
func NewSessions(store SessionStore, credentials CredentialStore, secret string) *Sessions {
	return &Sessions{
		store:       store,
		credentials: credentials,
		secret:      secret,
		ttl:         12 * time.Hour,
		refreshTTL:  30 * 24 * time.Hour,
		now:         time.Now,
	}
}

// WithClock replaces the time source (tests).
func (s *Sessions) WithClock(now func() time.Time) *Sessions {
	s.now = now
	return s
}

// TokenDigest is the stored form of a bearer token:
// sha256(secret ":" token), hex encoded.
func (s *Sessions) TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(s.secret + ":" + token))
	return hex.EncodeToString(sum[:])
}

// Login verifies the password and issues a fresh session.
func (s *Sessions) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	hash, principalID, workspaceID, err := s.credentials.PasswordHash(ctx, email)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issue(ctx, principalID, workspaceID)
}

// Refresh rotates a session using its refresh token. The old session is
// deleted; replaying a used refresh token fails.
func (s *Sessions) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	sess, err := s.store.GetByRefreshHash(ctx, s.TokenDigest(refreshToken))
	if err != nil {
		return nil, err
	}
	if s.now().After(sess.RefreshUntil) {
		return nil, ErrSessionExpired
	}
	if err := s.store.Delete(ctx, sess.SessionID); err != nil {
		return nil, err
	}
	return s.issue(ctx, sess.PrincipalID, sess.WorkspaceID)
}

// Resolve maps a bearer token to its principal.
func (s *Sessions) Resolve(ctx context.Context, token string) (*Principal, error) {
	sess, err := s.store.GetByTokenHash(ctx, s.TokenDigest(token))
	if err != nil {
		return nil, err
	}
	if s.now().After(sess.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return &Principal{
		ID:          sess.PrincipalID,
		WorkspaceID: sess.WorkspaceID,
		Kind:        "owner",
	}, nil
}

// Logout deletes the session for a bearer token. Unknown tokens are a no-op.
func (s *Sessions) Logout(ctx context.Context, token string) error {
	sess, err := s.store.GetByTokenHash(ctx, s.TokenDigest(token))
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.store.Delete(ctx, sess.SessionID)
}

func (s *Sessions) issue(ctx context.Context, principalID, workspaceID string) (*TokenPair, error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	refresh, err := randomToken()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sess := &Session{
		SessionID:    "ses_" + hex.EncodeToString(mustRandom(8)),
		PrincipalID:  principalID,
		WorkspaceID:  workspaceID,
		TokenHash:    s.TokenDigest(token),
		RefreshHash:  s.TokenDigest(refresh),
		ExpiresAt:    now.Add(s.ttl),
		RefreshUntil: now.Add(s.refreshTTL),
		CreatedAt:    now,
	}
	if err := s.store.Insert(ctx, sess); err != nil {
		return nil, err
	}
	return &TokenPair{SessionToken: token, RefreshToken: refresh, ExpiresAt: sess.ExpiresAt}, nil
}

// HashPassword wraps bcrypt for the signup path.
func HashPassword(password string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(out), nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: token entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func mustRandom(n int) []byte {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return buf
}
