package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLStore is the Postgres token store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, tokenID string) (*Token, error) {
	var (
		t          Token
		parent     sql.NullString
		scopes     []byte
		validUntil sql.NullTime
		revokedAt  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token_id, workspace_id, issued_to_principal_id, granted_by_principal_id,
		       parent_token_id, scopes, valid_until, revoked_at, created_at
		FROM cap_tokens WHERE token_id = $1`, tokenID).Scan(
		&t.TokenID, &t.WorkspaceID, &t.IssuedToPrincipalID, &t.GrantedByPrincipalID,
		&parent, &scopes, &validUntil, &revokedAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, tokenID)
	}
	if err != nil {
		return nil, fmt.Errorf("capability: get token: %w", err)
	}
	if parent.Valid {
		t.ParentTokenID = parent.String
	}
	if validUntil.Valid {
		at := validUntil.Time
		t.ValidUntil = &at
	}
	if revokedAt.Valid {
		at := revokedAt.Time
		t.RevokedAt = &at
	}
	if err := json.Unmarshal(scopes, &t.Scopes); err != nil {
		return nil, fmt.Errorf("capability: decode scopes: %w", err)
	}
	return &t, nil
}

// Insert implements Store.
func (s *SQLStore) Insert(ctx context.Context, t *Token) error {
	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return fmt.Errorf("capability: encode scopes: %w", err)
	}
	var parent any
	if t.ParentTokenID != "" {
		parent = t.ParentTokenID
	}
	var validUntil any
	if t.ValidUntil != nil {
		validUntil = t.ValidUntil.UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cap_tokens
			(token_id, workspace_id, issued_to_principal_id, granted_by_principal_id,
			 parent_token_id, scopes, valid_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.TokenID, t.WorkspaceID, t.IssuedToPrincipalID, t.GrantedByPrincipalID,
		parent, scopes, validUntil, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("capability: insert token: %w", err)
	}
	return nil
}

// Revoke implements Store. Already-revoked tokens keep their original
// revocation time.
func (s *SQLStore) Revoke(ctx context.Context, tokenID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cap_tokens SET revoked_at = $2
		WHERE token_id = $1 AND revoked_at IS NULL`, tokenID, at.UTC())
	if err != nil {
		return fmt.Errorf("capability: revoke token: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Either missing or already revoked; distinguish for callers.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT true FROM cap_tokens WHERE token_id = $1`, tokenID).Scan(&exists); err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrTokenNotFound, tokenID)
		}
	}
	return nil
}
