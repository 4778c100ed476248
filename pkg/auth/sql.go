package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLSessionStore is the Postgres SessionStore over auth_sessions.
type SQLSessionStore struct {
	db *sql.DB
}

// NewSQLSessionStore wraps an open database handle.
func NewSQLSessionStore(db *sql.DB) *SQLSessionStore {
	return &SQLSessionStore{db: db}
}

// Insert implements SessionStore.
func (s *SQLSessionStore) Insert(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions
			(session_id, principal_id, workspace_id, token_hash, refresh_hash,
			 expires_at, refresh_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.SessionID, sess.PrincipalID, sess.WorkspaceID, sess.TokenHash, sess.RefreshHash,
		sess.ExpiresAt.UTC(), sess.RefreshUntil.UTC(), sess.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("auth: insert session: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, principal_id, workspace_id, token_hash, refresh_hash,
	expires_at, refresh_until, created_at`

// GetByTokenHash implements SessionStore.
func (s *SQLSessionStore) GetByTokenHash(ctx context.Context, hash string) (*Session, error) {
	return s.get(ctx, `SELECT `+sessionColumns+` FROM auth_sessions WHERE token_hash = $1`, hash)
}

// GetByRefreshHash implements SessionStore.
func (s *SQLSessionStore) GetByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	return s.get(ctx, `SELECT `+sessionColumns+` FROM auth_sessions WHERE refresh_hash = $1`, hash)
}

func (s *SQLSessionStore) get(ctx context.Context, query, hash string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, query, hash).Scan(
		&sess.SessionID, &sess.PrincipalID, &sess.WorkspaceID, &sess.TokenHash, &sess.RefreshHash,
		&sess.ExpiresAt, &sess.RefreshUntil, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auth: get session: %w", err)
	}
	return &sess, nil
}

// Delete implements SessionStore.
func (s *SQLSessionStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("auth: delete session: %w", err)
	}
	return nil
}

// SQLCredentials is the Postgres CredentialStore over auth_owners.
type SQLCredentials struct {
	db *sql.DB
}

// NewSQLCredentials wraps an open database handle.
func NewSQLCredentials(db *sql.DB) *SQLCredentials {
	return &SQLCredentials{db: db}
}

// PasswordHash implements CredentialStore.
func (s *SQLCredentials) PasswordHash(ctx context.Context, email string) (string, string, string, error) {
	var hash, principalID, workspaceID string
	err := s.db.QueryRowContext(ctx, `
		SELECT password_hash, principal_id, workspace_id
		FROM auth_owners WHERE email = $1`, email).Scan(&hash, &principalID, &workspaceID)
	if err == sql.ErrNoRows {
		return "", "", "", ErrInvalidCredentials
	}
	if err != nil {
		return "", "", "", fmt.Errorf("auth: lookup owner: %w", err)
	}
	return hash, principalID, workspaceID, nil
}
