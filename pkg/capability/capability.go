// Package capability implements delegable capability tokens. Tokens form a
// parent to child delegation DAG; a child's scopes are always a subset of its
// parent's, and revoking a token invalidates its whole subtree for new checks.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTokenNotFound is returned when a token id does not exist.
	ErrTokenNotFound = errors.New("capability: token not found")

	// ErrTokenIneffective is returned when a token, or any ancestor, is
	// revoked or past its valid_until.
	ErrTokenIneffective = errors.New("capability: token not effective")

	// ErrScopeEscalation is returned on grant when the child scopes are not a
	// subset of the parent's effective scopes.
	ErrScopeEscalation = errors.New("capability: child scopes exceed parent")

	// ErrDelegationTooDeep is returned when the parent chain exceeds the
	// depth cap; the DAG is acyclic by construction, so this indicates data
	// corruption or an abuse attempt.
	ErrDelegationTooDeep = errors.New("capability: delegation chain too deep")
)

// maxDelegationDepth caps parent-chain walks.
const maxDelegationDepth = 16

// DataAccess is the read/write pair of the data scope.
type DataAccess struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// Scopes bounds what a token holder may do. List entries may be "*" for all,
// or "*.suffix" for domain suffix grants.
type Scopes struct {
	Rooms         []string   `json:"rooms,omitempty"`
	Tools         []string   `json:"tools,omitempty"`
	EgressDomains []string   `json:"egress_domains,omitempty"`
	ActionTypes   []string   `json:"action_types,omitempty"`
	DataAccess    DataAccess `json:"data_access"`
}

// Token is one capability token row.
type Token struct {
	TokenID              string     `json:"token_id"`
	WorkspaceID          string     `json:"workspace_id"`
	IssuedToPrincipalID  string     `json:"issued_to_principal_id"`
	GrantedByPrincipalID string     `json:"granted_by_principal_id"`
	ParentTokenID        string     `json:"parent_token_id,omitempty"`
	Scopes               Scopes     `json:"scopes"`
	ValidUntil           *time.Time `json:"valid_until,omitempty"`
	RevokedAt            *time.Time `json:"revoked_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Effective reports whether the token itself is usable at the given instant.
// Ancestors are checked separately during resolution.
func (t *Token) Effective(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	if t.ValidUntil != nil && !t.ValidUntil.After(now) {
		return false
	}
	return true
}

// Store is the token persistence contract.
type Store interface {
	Get(ctx context.Context, tokenID string) (*Token, error)
	Insert(ctx context.Context, t *Token) error
	Revoke(ctx context.Context, tokenID string, at time.Time) error
}

func listAllows(grants []string, want string) bool {
	for _, g := range grants {
		if g == "*" || g == want {
			return true
		}
		if len(g) > 2 && g[0] == '*' && g[1] == '.' {
			suffix := g[1:] // ".example.com"
			if len(want) > len(suffix) && want[len(want)-len(suffix):] == suffix {
				return true
			}
		}
	}
	return false
}

// AllowsAction reports whether the action type is in scope.
func (s Scopes) AllowsAction(actionType string) bool { return listAllows(s.ActionTypes, actionType) }

// AllowsRoom reports whether the room is in scope.
func (s Scopes) AllowsRoom(roomID string) bool { return listAllows(s.Rooms, roomID) }

// AllowsTool reports whether the tool is in scope.
func (s Scopes) AllowsTool(tool string) bool { return listAllows(s.Tools, tool) }

// AllowsDomain reports whether the egress domain is in scope.
func (s Scopes) AllowsDomain(domain string) bool { return listAllows(s.EgressDomains, domain) }

// subsetOf reports whether every grant in child is covered by parent.
func subsetOf(child, parent []string) bool {
	for _, g := range child {
		if g == "*" {
			if !listAllows(parent, "*") {
				return false
			}
			continue
		}
		if !listAllows(parent, g) {
			return false
		}
	}
	return true
}

// SubsetOf reports whether s is an attenuation of parent.
func (s Scopes) SubsetOf(parent Scopes) bool {
	if !subsetOf(s.Rooms, parent.Rooms) || !subsetOf(s.Tools, parent.Tools) {
		return false
	}
	if !subsetOf(s.EgressDomains, parent.EgressDomains) || !subsetOf(s.ActionTypes, parent.ActionTypes) {
		return false
	}
	if s.DataAccess.Read && !parent.DataAccess.Read {
		return false
	}
	if s.DataAccess.Write && !parent.DataAccess.Write {
		return false
	}
	return true
}

// intersectList keeps the grants of child that parent also covers.
func intersectList(child, parent []string) []string {
	if listAllows(parent, "*") {
		return child
	}
	var out []string
	for _, g := range child {
		if listAllows(parent, g) {
			out = append(out, g)
		}
	}
	return out
}

// Intersect narrows s to what parent also grants.
func (s Scopes) Intersect(parent Scopes) Scopes {
	return Scopes{
		Rooms:         intersectList(s.Rooms, parent.Rooms),
		Tools:         intersectList(s.Tools, parent.Tools),
		EgressDomains: intersectList(s.EgressDomains, parent.EgressDomains),
		ActionTypes:   intersectList(s.ActionTypes, parent.ActionTypes),
		DataAccess: DataAccess{
			Read:  s.DataAccess.Read && parent.DataAccess.Read,
			Write: s.DataAccess.Write && parent.DataAccess.Write,
		},
	}
}

// Resolver resolves a token to its effective scopes by walking the parent
// chain. Resolved scopes are memoized briefly; revocation takes effect for
// new checks within the cache TTL.
type Resolver struct {
	store Store
	now   func() time.Time

	mu       sync.Mutex
	cache    map[string]cacheEntry
	cacheTTL time.Duration
}

type cacheEntry struct {
	scopes   Scopes
	cachedAt time.Time
}

// NewResolver builds a resolver over the token store.
func NewResolver(store Store) *Resolver {
	return &Resolver{
		store:    store,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
		cacheTTL: 10 * time.Second,
	}
}

// WithClock replaces the time source (tests).
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// WithCacheTTL tunes memoization; zero disables it.
func (r *Resolver) WithCacheTTL(ttl time.Duration) *Resolver {
	r.cacheTTL = ttl
	return r
}

// Resolve walks the token and its ancestors and returns the intersected
// effective scopes. Any revoked or expired ancestor makes the whole token
// ineffective.
func (r *Resolver) Resolve(ctx context.Context, tokenID string) (Scopes, error) {
	now := r.now()

	r.mu.Lock()
	if entry, ok := r.cache[tokenID]; ok && r.cacheTTL > 0 && now.Sub(entry.cachedAt) < r.cacheTTL {
		r.mu.Unlock()
		return entry.scopes, nil
	}
	r.mu.Unlock()

	scopes, err := r.resolveChain(ctx, tokenID, now, 0)
	if err != nil {
		return Scopes{}, err
	}

	r.mu.Lock()
	r.cache[tokenID] = cacheEntry{scopes: scopes, cachedAt: now}
	r.mu.Unlock()
	return scopes, nil
}

func (r *Resolver) resolveChain(ctx context.Context, tokenID string, now time.Time, depth int) (Scopes, error) {
	if depth >= maxDelegationDepth {
		return Scopes{}, ErrDelegationTooDeep
	}
	t, err := r.store.Get(ctx, tokenID)
	if err != nil {
		return Scopes{}, err
	}
	if !t.Effective(now) {
		return Scopes{}, fmt.Errorf("%w: %s", ErrTokenIneffective, tokenID)
	}
	if t.ParentTokenID == "" {
		return t.Scopes, nil
	}
	parent, err := r.resolveChain(ctx, t.ParentTokenID, now, depth+1)
	if err != nil {
		return Scopes{}, err
	}
	return t.Scopes.Intersect(parent), nil
}

// Grant inserts a new token after enforcing attenuation against the parent's
// effective scopes. Root tokens (no parent) define their own universe.
func (r *Resolver) Grant(ctx context.Context, t *Token) error {
	if t.ParentTokenID != "" {
		parentScopes, err := r.resolveChain(ctx, t.ParentTokenID, r.now(), 0)
		if err != nil {
			return err
		}
		if !t.Scopes.SubsetOf(parentScopes) {
			return fmt.Errorf("%w: token %s under %s", ErrScopeEscalation, t.TokenID, t.ParentTokenID)
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now()
	}
	return r.store.Insert(ctx, t)
}
