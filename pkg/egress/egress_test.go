package egress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/approval"
	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
	"github.com/arbiterhq/arbiter/pkg/policy"
	"github.com/arbiterhq/arbiter/pkg/projector"
	"github.com/arbiterhq/arbiter/pkg/registry"
)

type stubQuota struct{ exhausted bool }

func (s *stubQuota) WithinQuota(ctx context.Context, workspaceID, domain string) (bool, error) {
	return !s.exhausted, nil
}

type fixture struct {
	events  *eventstore.MemoryStore
	models  *projector.MemoryModels
	engine  *projector.Engine
	gateway *Gateway
	gate    *policy.Gate
	quota   *stubQuota
	log     *MemoryLog
	cursor  eventstore.Cursor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		events: eventstore.NewMemoryStore(),
		models: projector.NewMemoryModels(),
		quota:  &stubQuota{},
		log:    NewMemoryLog(),
	}
	f.engine = projector.NewEngine(f.events, f.models, projector.DefaultProjectors())
	coord := approval.NewCoordinator(f.events, approval.NewMemoryReader(f.models))
	f.gate = policy.NewGate(policy.Config{
		Registry:  registry.Default(),
		Approvals: coord,
		Quota:     f.quota,
	}, f.events)
	f.gateway = NewGateway(f.gate, coord, f.events, f.log)
	return f
}

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

func (f *fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	all, err := f.events.ReadStream(context.Background(), contracts.StreamWorkspace, "ws_1", 1, 0)
	require.NoError(t, err)
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.EventType
	}
	return out
}

func baseRequest() Request {
	return Request{
		WorkspaceID: "ws_1",
		Action:      "egress.http",
		TargetURL:   "https://api.example.com/v1/ping",
		Actor:       contracts.Actor{Type: contracts.ActorAgent, ID: "agt_1"},
		Zone:        contracts.ZoneSupervised,
	}
}

func TestNormalizeTarget(t *testing.T) {
	domain, err := NormalizeTarget("https://API.Example.com:8443/path?q=1")
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", domain)

	for _, bad := range []string{"ftp://example.com", "https://", "://nope", "example.com/no-scheme"} {
		_, err := NormalizeTarget(bad)
		assert.ErrorIs(t, err, ErrInvalidTarget, bad)
	}
}

func TestAllowedEgress(t *testing.T) {
	f := newFixture(t)
	res, err := f.gateway.Request(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.Equal(t, "api.example.com", res.Domain)

	types := f.eventTypes(t)
	assert.Contains(t, types, contracts.EventEgressRequested)
	assert.Contains(t, types, contracts.EventEgressAllowed)

	entries := f.log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "allow", entries[0].Decision)
	assert.False(t, entries[0].Blocked)
}

func TestBlockedDomain(t *testing.T) {
	f := newFixture(t)
	f.gate.SetEgressAllowlist("ws_1", []string{"*.trusted.example"})

	res, err := f.gateway.Request(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.False(t, res.Allowed())
	assert.Equal(t, contracts.ReasonEgressDomainBlocked, res.Decision.ReasonCode)
	assert.Contains(t, f.eventTypes(t), contracts.EventEgressBlocked)
}

func TestQuotaExceededAppendsQuotaEvent(t *testing.T) {
	f := newFixture(t)
	f.quota.exhausted = true

	res, err := f.gateway.Request(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonQuotaExceeded, res.Decision.ReasonCode)

	types := f.eventTypes(t)
	assert.Contains(t, types, contracts.EventEgressBlocked)
	assert.Contains(t, types, contracts.EventQuotaExceeded)
}

func TestHighStakesActionCreatesApproval(t *testing.T) {
	f := newFixture(t)
	req := baseRequest()
	req.Action = "external.write"
	req.Zone = contracts.ZoneHighStakes

	res, err := f.gateway.Request(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionRequireApproval, res.Decision.Outcome)
	require.NotEmpty(t, res.ApprovalID)

	f.project(t)
	row, ok, err := f.models.Get(context.Background(), projector.TableApprovals, res.ApprovalID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pending", row["status"])

	entries := f.log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, res.ApprovalID, entries[0].ApprovalID)
}

func TestApprovalReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	req := baseRequest()
	req.Action = "external.write"
	req.Zone = contracts.ZoneHighStakes
	req.CorrelationID = "corr_1"

	first, err := f.gateway.Request(context.Background(), req)
	require.NoError(t, err)
	second, err := f.gateway.Request(context.Background(), req)
	require.NoError(t, err)

	// Distinct requests get distinct request ids but the approval for the
	// shared correlation is created per request id, so both exist.
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.NotEmpty(t, first.ApprovalID)
	assert.NotEmpty(t, second.ApprovalID)
}
