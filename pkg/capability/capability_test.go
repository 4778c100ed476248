package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func rootToken() *Token {
	return &Token{
		TokenID:              "cap_root",
		WorkspaceID:          "ws_1",
		IssuedToPrincipalID:  "prin_owner",
		GrantedByPrincipalID: "prin_owner",
		Scopes: Scopes{
			Rooms:         []string{"*"},
			Tools:         []string{"search", "browser"},
			EgressDomains: []string{"*.example.com", "api.github.com"},
			ActionTypes:   []string{"tool.invoke", "egress.http", "data.write"},
			DataAccess:    DataAccess{Read: true, Write: true},
		},
	}
}

func newResolver(t *testing.T) (*Resolver, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	r := NewResolver(store).WithClock(fixedClock).WithCacheTTL(0)
	require.NoError(t, r.Grant(context.Background(), rootToken()))
	return r, store
}

func TestGrant_AttenuationEnforced(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	child := &Token{
		TokenID:       "cap_child",
		WorkspaceID:   "ws_1",
		ParentTokenID: "cap_root",
		Scopes: Scopes{
			Tools:       []string{"search"},
			ActionTypes: []string{"tool.invoke"},
			DataAccess:  DataAccess{Read: true},
		},
	}
	require.NoError(t, r.Grant(ctx, child))

	escalated := &Token{
		TokenID:       "cap_escalated",
		WorkspaceID:   "ws_1",
		ParentTokenID: "cap_child",
		Scopes:        Scopes{Tools: []string{"browser"}},
	}
	err := r.Grant(ctx, escalated)
	assert.ErrorIs(t, err, ErrScopeEscalation)
}

func TestResolve_IntersectsAlongChain(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	require.NoError(t, r.Grant(ctx, &Token{
		TokenID:       "cap_child",
		ParentTokenID: "cap_root",
		Scopes: Scopes{
			Tools:         []string{"search"},
			EgressDomains: []string{"api.example.com"},
			ActionTypes:   []string{"egress.http"},
			DataAccess:    DataAccess{Read: true, Write: true},
		},
	}))

	scopes, err := r.Resolve(ctx, "cap_child")
	require.NoError(t, err)
	assert.True(t, scopes.AllowsTool("search"))
	assert.False(t, scopes.AllowsTool("browser"))
	assert.True(t, scopes.AllowsDomain("api.example.com"))
	assert.False(t, scopes.AllowsDomain("api.github.com"))
	assert.True(t, scopes.AllowsAction("egress.http"))
	assert.False(t, scopes.AllowsAction("data.write"))
	assert.True(t, scopes.DataAccess.Write, "root grants write, child keeps it")
}

func TestResolve_DomainSuffixGrant(t *testing.T) {
	r, _ := newResolver(t)
	scopes, err := r.Resolve(context.Background(), "cap_root")
	require.NoError(t, err)
	assert.True(t, scopes.AllowsDomain("api.example.com"))
	assert.True(t, scopes.AllowsDomain("deep.api.example.com"))
	assert.False(t, scopes.AllowsDomain("example.org"))
}

func TestResolve_RevocationIsTransitive(t *testing.T) {
	r, store := newResolver(t)
	ctx := context.Background()

	require.NoError(t, r.Grant(ctx, &Token{
		TokenID:       "cap_mid",
		ParentTokenID: "cap_root",
		Scopes:        Scopes{Tools: []string{"search"}},
	}))
	require.NoError(t, r.Grant(ctx, &Token{
		TokenID:       "cap_leaf",
		ParentTokenID: "cap_mid",
		Scopes:        Scopes{Tools: []string{"search"}},
	}))

	_, err := r.Resolve(ctx, "cap_leaf")
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, "cap_mid", testNow))
	_, err = r.Resolve(ctx, "cap_leaf")
	assert.ErrorIs(t, err, ErrTokenIneffective)
}

func TestResolve_ExpiredToken(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	past := testNow.Add(-time.Hour)
	require.NoError(t, r.Grant(ctx, &Token{
		TokenID:       "cap_expired",
		ParentTokenID: "cap_root",
		Scopes:        Scopes{Tools: []string{"search"}},
		ValidUntil:    &past,
	}))

	_, err := r.Resolve(ctx, "cap_expired")
	assert.ErrorIs(t, err, ErrTokenIneffective)
}

func TestResolve_DepthCap(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(store).WithClock(fixedClock).WithCacheTTL(0)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, rootToken()))
	parent := "cap_root"
	for i := 0; i < maxDelegationDepth+1; i++ {
		id := "cap_deep_" + string(rune('a'+i))
		require.NoError(t, store.Insert(ctx, &Token{
			TokenID:       id,
			ParentTokenID: parent,
			Scopes:        Scopes{Tools: []string{"search"}},
		}))
		parent = id
	}

	_, err := r.Resolve(ctx, parent)
	assert.ErrorIs(t, err, ErrDelegationTooDeep)
}

func TestResolve_CacheServesWithinTTL(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(store).WithClock(fixedClock)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, rootToken()))

	_, err := r.Resolve(ctx, "cap_root")
	require.NoError(t, err)

	// Revocation is not seen until the cache entry ages out.
	require.NoError(t, store.Revoke(ctx, "cap_root", testNow))
	_, err = r.Resolve(ctx, "cap_root")
	assert.NoError(t, err)

	r.WithCacheTTL(0)
	r.cache = map[string]cacheEntry{}
	_, err = r.Resolve(ctx, "cap_root")
	assert.ErrorIs(t, err, ErrTokenIneffective)
}
