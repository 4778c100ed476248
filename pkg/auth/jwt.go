package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims carried by service-principal tokens.
type Claims struct {
	jwt.RegisteredClaims
	WorkspaceID string   `json:"workspace_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// JWTManager signs and validates service-principal tokens (HS256).
type JWTManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTManager builds the manager. An empty secret disables issuance and
// validation (fail closed).
func NewJWTManager(secret, issuer string, ttl time.Duration) *JWTManager {
	return &JWTManager{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source (tests).
func (m *JWTManager) WithClock(now func() time.Time) *JWTManager {
	m.now = now
	return m
}

// Issue signs a token for the principal.
func (m *JWTManager) Issue(principalID, workspaceID string, roles []string) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("auth: jwt secret not configured")
	}
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		WorkspaceID: workspaceID,
		Roles:       roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Validate parses the token and returns the principal.
func (m *JWTManager) Validate(tokenStr string) (*Principal, error) {
	if len(m.secret) == 0 {
		return nil, errors.New("auth: jwt secret not configured")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("auth: token validation: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errors.New("auth: invalid token")
	}
	return &Principal{
		ID:          claims.Subject,
		WorkspaceID: claims.WorkspaceID,
		Kind:        "service",
		Roles:       claims.Roles,
	}, nil
}
