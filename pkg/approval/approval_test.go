package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
	"github.com/arbiterhq/arbiter/pkg/projector"
)

type fixture struct {
	events *eventstore.MemoryStore
	models *projector.MemoryModels
	engine *projector.Engine
	coord  *Coordinator
	cursor eventstore.Cursor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		events: eventstore.NewMemoryStore(),
		models: projector.NewMemoryModels(),
	}
	f.engine = projector.NewEngine(f.events, f.models, projector.DefaultProjectors())
	f.coord = NewCoordinator(f.events, NewMemoryReader(f.models))
	return f
}

// project applies everything appended since the last call.
func (f *fixture) project(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		batch, err := f.events.Changes(ctx, f.cursor, 100)
		require.NoError(t, err)
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			require.NoError(t, f.engine.ApplyEvent(ctx, e))
			f.cursor = eventstore.Cursor{RecordedAt: e.RecordedAt, EventID: e.EventID}
		}
	}
}

func requestInput() RequestInput {
	return RequestInput{
		WorkspaceID:   "ws_1",
		Action:        "external.write",
		Scope:         contracts.ScopeOnce,
		Actor:         contracts.Actor{Type: contracts.ActorAgent, ID: "agent_1"},
		CorrelationID: "corr_1",
	}
}

func TestRequestAndApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.coord.Request(ctx, requestInput())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	f.project(t)

	rec, err := f.coord.reader.Get(ctx, "ws_1", id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, rec.Status)

	ok, err := f.coord.HasApproval(ctx, "ws_1", "corr_1", "external.write")
	require.NoError(t, err)
	assert.False(t, ok, "pending approvals do not authorize")

	require.NoError(t, f.coord.Decide(ctx, "ws_1", id, Approve, "user_9"))
	f.project(t)

	ok, err = f.coord.HasApproval(ctx, "ws_1", "corr_1", "external.write")
	require.NoError(t, err)
	assert.True(t, ok)

	// Bound to the correlation and the action.
	ok, err = f.coord.HasApproval(ctx, "ws_1", "corr_other", "external.write")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.coord.HasApproval(ctx, "ws_1", "corr_1", "deploy.service")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequest_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := requestInput()
	in.IdempotencyKey = "automation:ws_1:run:run_1:pass"
	first, err := f.coord.Request(ctx, in)
	require.NoError(t, err)
	second, err := f.coord.Request(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first, second, "replay returns the original approval id")

	events, err := f.events.ReadStream(ctx, contracts.StreamWorkspace, "ws_1", 1, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDecide_TerminalRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.coord.Request(ctx, requestInput())
	require.NoError(t, err)
	f.project(t)

	require.NoError(t, f.coord.Decide(ctx, "ws_1", id, Deny, "user_9"))
	f.project(t)

	// Matching double-decide is a no-op.
	assert.NoError(t, f.coord.Decide(ctx, "ws_1", id, Deny, "user_9"))

	// A different decision on a terminal approval is rejected.
	err = f.coord.Decide(ctx, "ws_1", id, Approve, "user_9")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestDecide_HoldIsNotTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.coord.Request(ctx, requestInput())
	require.NoError(t, err)
	f.project(t)

	require.NoError(t, f.coord.Decide(ctx, "ws_1", id, Hold, "user_9"))
	f.project(t)

	rec, err := f.coord.reader.Get(ctx, "ws_1", id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalHeld, rec.Status)

	require.NoError(t, f.coord.Decide(ctx, "ws_1", id, Approve, "user_9"))
	f.project(t)

	rec, err = f.coord.reader.Get(ctx, "ws_1", id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, rec.Status)
}

func TestHasApproval_ExpiredAndWorkspaceScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	in := requestInput()
	in.ExpiresAt = &past
	id, err := f.coord.Request(ctx, in)
	require.NoError(t, err)
	f.project(t)
	require.NoError(t, f.coord.Decide(ctx, "ws_1", id, Approve, "user_9"))
	f.project(t)

	ok, err := f.coord.HasApproval(ctx, "ws_1", "corr_1", "external.write")
	require.NoError(t, err)
	assert.False(t, ok, "expired approvals do not authorize")

	ws := requestInput()
	ws.Scope = contracts.ScopeWorkspace
	ws.CorrelationID = "corr_grant"
	wsID, err := f.coord.Request(ctx, ws)
	require.NoError(t, err)
	f.project(t)
	require.NoError(t, f.coord.Decide(ctx, "ws_1", wsID, Approve, "user_9"))
	f.project(t)

	ok, err = f.coord.HasApproval(ctx, "ws_1", "corr_anything", "external.write")
	require.NoError(t, err)
	assert.True(t, ok, "workspace scope covers every correlation")
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.coord.Request(ctx, requestInput())
	require.NoError(t, err)
	f.project(t)
	require.NoError(t, f.coord.Decide(ctx, "ws_1", id, Approve, "user_9"))
	f.project(t)

	require.NoError(t, f.coord.Revoke(ctx, "ws_1", id, "user_9"))
	f.project(t)

	ok, err := f.coord.HasApproval(ctx, "ws_1", "corr_1", "external.write")
	require.NoError(t, err)
	assert.False(t, ok)
}
