package egress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/ratelimit"
)

func TestQuotaFixedWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)
	q := NewQuota(ratelimit.NewMemoryBuckets(), 2).WithClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		ok, err := q.WithinQuota(ctx, "ws_1", "api.example.com")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := q.WithinQuota(ctx, "ws_1", "api.example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	// Separate domain, separate budget.
	ok, err = q.WithinQuota(ctx, "ws_1", "other.example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	// The next hour starts a fresh window.
	now = now.Add(time.Hour)
	ok, err = q.WithinQuota(ctx, "ws_1", "api.example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQuotaDisabled(t *testing.T) {
	q := NewQuota(ratelimit.NewMemoryBuckets(), 0)
	for i := 0; i < 10; i++ {
		ok, err := q.WithinQuota(context.Background(), "ws_1", "api.example.com")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
