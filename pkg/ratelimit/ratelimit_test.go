package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
)

type fakeClock struct{ at time.Time }

func (c *fakeClock) now() time.Time          { return c.at }
func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newLimiterFixture(agentPerMin int) (*Limiter, *eventstore.MemoryStore, *fakeClock) {
	clock := &fakeClock{at: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	events := eventstore.NewMemoryStore()
	rules := MessageRules(agentPerMin, 100, 2, 1000, 10)
	limiter := NewLimiter(rules, NewMemoryBuckets(), NewMemoryStreaks(), events, DefaultOptions()).
		WithClock(clock.now)
	return limiter, events, clock
}

func msg(agent string) Request {
	return Request{WorkspaceID: "ws_1", AgentID: agent}
}

func TestCheck_AllowsUpToLimitThenRejects(t *testing.T) {
	limiter, _, _ := newLimiterFixture(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Check(ctx, msg("agent_1")))
	}
	err := limiter.Check(ctx, msg("agent_1"))
	var le *LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "agent_per_min", le.Scope)
	assert.Greater(t, le.RetryAfterSec, 0)
	assert.LessOrEqual(t, le.RetryAfterSec, 60)
	assert.Equal(t, contracts.ReasonRateLimited, le.ReasonCode())
}

func TestCheck_WindowRolls(t *testing.T) {
	limiter, _, clock := newLimiterFixture(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Check(ctx, msg("agent_1")))
	}
	require.Error(t, limiter.Check(ctx, msg("agent_1")))

	clock.advance(time.Minute)
	assert.NoError(t, limiter.Check(ctx, msg("agent_1")))
}

func TestCheck_AgentsIsolated(t *testing.T) {
	limiter, _, _ := newLimiterFixture(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Check(ctx, msg("agent_1")))
	}
	require.Error(t, limiter.Check(ctx, msg("agent_1")))
	assert.NoError(t, limiter.Check(ctx, msg("agent_2")))
}

func TestCheck_HeartbeatsHaveOwnBudget(t *testing.T) {
	limiter, _, _ := newLimiterFixture(1)
	ctx := context.Background()

	require.NoError(t, limiter.Check(ctx, msg("agent_1")))
	require.Error(t, limiter.Check(ctx, msg("agent_1")))

	hb := msg("agent_1")
	hb.Heartbeat = true
	assert.NoError(t, limiter.Check(ctx, hb), "heartbeats bypass the agent rule")
}

func TestCheck_ExperimentBudgetEnforced(t *testing.T) {
	limiter, _, _ := newLimiterFixture(100)
	ctx := context.Background()

	tagged := func(agent string) Request {
		req := msg(agent)
		req.ExperimentID = "exp_1"
		return req
	}

	// The fixture's experiment budget is 2/hour, shared across agents.
	require.NoError(t, limiter.Check(ctx, tagged("agent_1")))
	require.NoError(t, limiter.Check(ctx, tagged("agent_2")))
	err := limiter.Check(ctx, tagged("agent_3"))
	var le *LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "experiment_per_hour", le.Scope)

	// Untagged messages never touch the experiment bucket.
	assert.NoError(t, limiter.Check(ctx, msg("agent_4")))

	other := msg("agent_5")
	other.ExperimentID = "exp_2"
	assert.NoError(t, limiter.Check(ctx, other), "experiments are isolated")
}

func incidentCount(t *testing.T, events *eventstore.MemoryStore) int {
	t.Helper()
	all, err := events.ReadStream(context.Background(), contracts.StreamWorkspace, "ws_1", 1, 0)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range all {
		if e.EventType == contracts.EventIncidentOpened {
			n++
		}
	}
	return n
}

func TestCheck_StreakPromotesToSingleIncident(t *testing.T) {
	limiter, events, clock := newLimiterFixture(3)
	ctx := context.Background()

	// Three consecutive minutes: fill the window then breach once.
	for minute := 0; minute < 3; minute++ {
		for i := 0; i < 3; i++ {
			require.NoError(t, limiter.Check(ctx, msg("agent_1")))
		}
		err := limiter.Check(ctx, msg("agent_1"))
		var le *LimitError
		require.ErrorAs(t, err, &le)
		clock.advance(time.Minute)
	}

	assert.Equal(t, 1, incidentCount(t, events), "exactly one agent_flooding incident")

	all, err := events.ReadStream(ctx, contracts.StreamWorkspace, "ws_1", 1, 0)
	require.NoError(t, err)
	var incident map[string]any
	for _, e := range all {
		if e.EventType == contracts.EventIncidentOpened {
			incident = e.Data
		}
	}
	require.NotNil(t, incident)
	assert.Equal(t, "agent_flooding", incident["category"])
	assert.Equal(t, "agent_1", incident["entity_id"])

	// Further breaches inside the mute window stay silent.
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Check(ctx, msg("agent_1")))
	}
	require.Error(t, limiter.Check(ctx, msg("agent_1")))
	assert.Equal(t, 1, incidentCount(t, events))
}

func TestCheck_StreakResetsAfterQuietPeriod(t *testing.T) {
	limiter, events, clock := newLimiterFixture(3)
	ctx := context.Background()

	breach := func() {
		for i := 0; i < 3; i++ {
			require.NoError(t, limiter.Check(ctx, msg("agent_1")))
		}
		require.Error(t, limiter.Check(ctx, msg("agent_1")))
	}

	breach()
	clock.advance(time.Minute)
	breach()

	// A quiet quarter hour resets the streak; two more breaches are not
	// enough to reach the threshold again.
	clock.advance(15 * time.Minute)
	breach()
	clock.advance(time.Minute)
	breach()

	assert.Equal(t, 0, incidentCount(t, events))
}

func TestMemoryStreaks(t *testing.T) {
	streaks := NewMemoryStreaks()
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	n, err := streaks.RecordBreach(ctx, "k", base, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = streaks.RecordBreach(ctx, "k", base.Add(5*time.Minute), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = streaks.RecordBreach(ctx, "k", base.Add(20*time.Minute), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "stale breach resets the streak")

	due, err := streaks.IncidentDue(ctx, "k", base, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, due)
	due, err = streaks.IncidentDue(ctx, "k", base.Add(time.Minute), 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, due, "muted")
	due, err = streaks.IncidentDue(ctx, "k", base.Add(16*time.Minute), 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestCheck_BucketStoreErrorSurfaces(t *testing.T) {
	limiter := NewLimiter(
		[]Rule{{Scope: "x", Limit: 1, Window: time.Minute, Key: func(Request) string { return "k" }}},
		failingBuckets{}, nil, nil, DefaultOptions())
	err := limiter.Check(context.Background(), Request{})
	assert.Error(t, err)
	var le *LimitError
	assert.False(t, errors.As(err, &le), "store errors are not limit errors")
}

type failingBuckets struct{}

func (failingBuckets) Incr(ctx context.Context, key string, windowStart time.Time, windowSec int) (int, error) {
	return 0, errors.New("down")
}
func (failingBuckets) Prune(ctx context.Context, olderThan time.Time, limit int) error { return nil }
