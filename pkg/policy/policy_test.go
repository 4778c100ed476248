package policy

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/capability"
	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
	"github.com/arbiterhq/arbiter/pkg/learning"
	"github.com/arbiterhq/arbiter/pkg/registry"
)

type stubApprovals struct{ approved map[string]bool }

func (s *stubApprovals) HasApproval(ctx context.Context, workspaceID, correlationID, action string) (bool, error) {
	return s.approved[correlationID], nil
}

type stubQuota struct{ exhausted bool }

func (s *stubQuota) WithinQuota(ctx context.Context, workspaceID, domain string) (bool, error) {
	return !s.exhausted, nil
}

type gateFixture struct {
	gate      *Gate
	events    *eventstore.MemoryStore
	approvals *stubApprovals
	quota     *stubQuota
	ledger    *learning.Ledger
	kill      bool
}

func newFixture(t *testing.T) *gateFixture {
	t.Helper()
	f := &gateFixture{
		events:    eventstore.NewMemoryStore(),
		approvals: &stubApprovals{approved: map[string]bool{}},
		quota:     &stubQuota{},
	}
	f.ledger = learning.NewLedger(learning.NewMemoryStore(), f.events)
	rules, err := NewEvaluator()
	require.NoError(t, err)
	f.gate = NewGate(Config{
		Registry:   registry.Default(),
		Resolver:   capability.NewResolver(capability.NewMemoryStore()).WithCacheTTL(0),
		Ledger:     f.ledger,
		Approvals:  f.approvals,
		Quota:      f.quota,
		Rules:      rules,
		KillSwitch: func() bool { return f.kill },
	}, f.events)
	return f
}

func baseRequest() Request {
	return Request{
		Kind:          contracts.KindAction,
		Action:        "tool.invoke",
		WorkspaceID:   "ws_1",
		Actor:         contracts.Actor{Type: contracts.ActorAgent, ID: "agent_1"},
		Zone:          contracts.ZoneSupervised,
		CorrelationID: "corr_1",
	}
}

func workspaceEventTypes(t *testing.T, events *eventstore.MemoryStore) []string {
	t.Helper()
	all, err := events.ReadStream(context.Background(), contracts.StreamWorkspace, "ws_1", 1, 0)
	if err != nil {
		return nil
	}
	var types []string
	for _, e := range all {
		types = append(types, e.EventType)
	}
	return types
}

func TestAuthorize_DefaultAllow(t *testing.T) {
	f := newFixture(t)
	d, err := f.gate.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, d.Outcome)
	assert.Equal(t, contracts.ReasonDefaultAllow, d.ReasonCode)
	assert.True(t, d.Allowed())
	assert.Empty(t, workspaceEventTypes(t, f.events), "allows are not recorded as policy events")
}

func TestAuthorize_KillSwitchShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.kill = true
	d, err := f.gate.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, d.Outcome)
	assert.Equal(t, contracts.ReasonKillSwitchActive, d.ReasonCode)
	assert.True(t, d.Blocked)
}

func TestAuthorize_ZoneInsufficient(t *testing.T) {
	f := newFixture(t)
	req := baseRequest()
	req.Action = "data.write"
	req.Zone = contracts.ZoneSandbox

	d, err := f.gate.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonZoneInsufficient, d.ReasonCode)
	assert.Contains(t, workspaceEventTypes(t, f.events), contracts.EventPolicyDenied)
}

func TestAuthorize_CapabilityScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	caps := capability.NewMemoryStore()
	resolver := capability.NewResolver(caps).WithCacheTTL(0)
	require.NoError(t, caps.Insert(ctx, &capability.Token{
		TokenID:     "cap_1",
		WorkspaceID: "ws_1",
		Scopes: capability.Scopes{
			ActionTypes: []string{"tool.invoke"},
			Tools:       []string{"search"},
		},
	}))
	f.gate.resolver = resolver

	req := baseRequest()
	req.Kind = contracts.KindToolCall
	req.CapabilityTokenID = "cap_1"
	req.Tool = "search"
	d, err := f.gate.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, d.Outcome)

	req.Tool = "browser"
	d, err = f.gate.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonCapabilityMissing, d.ReasonCode)

	req.CapabilityTokenID = "cap_missing"
	d, err = f.gate.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonCapabilityMissing, d.ReasonCode)
}

func TestAuthorize_HighStakesRequiresApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := baseRequest()
	req.Action = "external.write"
	req.Zone = contracts.ZoneHighStakes

	d, err := f.gate.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionRequireApproval, d.Outcome)
	assert.Equal(t, contracts.ReasonExternalWriteRequiresApproval, d.ReasonCode)
	assert.Contains(t, workspaceEventTypes(t, f.events), contracts.EventPolicyRequiresApproval)

	// An approved approval bound to the correlation unlocks the action.
	f.approvals.approved["corr_1"] = true
	d, err = f.gate.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, d.Outcome)
}

func TestAuthorize_RepeatedDenialBecomesMistake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := baseRequest()
	req.Action = "external.write"
	req.Zone = contracts.ZoneHighStakes
	req.Context = map[string]any{"target": "crm"}

	_, err := f.gate.Authorize(ctx, req)
	require.NoError(t, err)
	types := workspaceEventTypes(t, f.events)
	assert.Contains(t, types, contracts.EventPolicyRequiresApproval)
	assert.Contains(t, types, contracts.EventLearningFromFailure)
	assert.Contains(t, types, contracts.EventConstraintLearned)
	assert.NotContains(t, types, contracts.EventMistakeRepeated)

	_, err = f.gate.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, workspaceEventTypes(t, f.events), contracts.EventMistakeRepeated)
}

func TestAuthorize_LearnedConstraintBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := baseRequest()
	req.Context = map[string]any{"target": "crm"}

	// Seed the ledger with a prior zone denial for this exact pattern.
	_, _, err := f.ledger.RecordFailure(ctx, learning.Observation{
		WorkspaceID:   req.WorkspaceID,
		SubjectKey:    "agent:agent_1",
		Category:      string(req.Kind),
		Action:        req.Action,
		ReasonCode:    contracts.ReasonZoneInsufficient,
		Blocked:       true,
		Context:       req.Context,
		CorrelationID: req.CorrelationID,
	})
	require.NoError(t, err)

	d, err := f.gate.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonConstraintLearnedBlock, d.ReasonCode)

	// Supplying an approval bypasses the learned block.
	f.approvals.approved["corr_1"] = true
	d, err = f.gate.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, d.Outcome)
}

func TestAuthorize_WorkspaceRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.gate.rules.SetWorkspaceRules("ws_1", []Rule{
		{
			Name:       "no-agent-deploys",
			Expression: `actor_type == "agent" && action == "tool.invoke" && context["env"] == "prod"`,
			Effect:     EffectDeny,
		},
	}))

	req := baseRequest()
	req.Context = map[string]any{"env": "prod"}
	d, err := f.gate.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, d.Outcome)
	assert.Equal(t, contracts.ReasonWorkspaceRuleBlock, d.ReasonCode)

	req.Context = map[string]any{"env": "staging"}
	d, err = f.gate.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, d.Outcome)
}

func TestAuthorize_EgressAllowlistAndQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gate.SetEgressAllowlist("ws_1", []string{"api.example.com", "*.github.com"})

	req := baseRequest()
	req.Kind = contracts.KindEgress
	req.Action = "egress.http"
	req.Domain = "api.example.com"
	d, err := f.gate.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, d.Outcome)

	req.Domain = "evil.example.org"
	d, err = f.gate.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonEgressDomainBlocked, d.ReasonCode)

	req.Domain = "api.github.com"
	f.quota.exhausted = true
	d, err = f.gate.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonQuotaExceeded, d.ReasonCode)
}

func TestAuthorize_ShadowModeRecordsButDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.gate.SetShadowWorkspace("ws_1", true)
	req := baseRequest()
	req.Action = "data.write"
	req.Zone = contracts.ZoneSandbox

	d, err := f.gate.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, d.Outcome)
	assert.Equal(t, contracts.ModeShadow, d.EnforcementMode)
	assert.False(t, d.Blocked)
	assert.True(t, d.Allowed())
	assert.Contains(t, workspaceEventTypes(t, f.events), contracts.EventPolicyDenied,
		"shadow decisions still leave an audit trail")
}

func TestGate_WorkspaceConfigSafeUnderConcurrentDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.gate.SetShadowWorkspace("ws_1", i%2 == 0)
				f.gate.SetEgressAllowlist("ws_1", []string{"api.example.com"})
			}
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				req := baseRequest()
				req.Kind = contracts.KindEgress
				req.Action = "egress.http"
				req.Domain = "api.example.com"
				_, err := f.gate.Authorize(ctx, req)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestEvaluator_RejectsBadRules(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	err = ev.SetWorkspaceRules("ws_1", []Rule{{Name: "bad", Expression: `action ==`, Effect: EffectDeny}})
	assert.Error(t, err)

	err = ev.SetWorkspaceRules("ws_1", []Rule{{Name: "notbool", Expression: `action`, Effect: EffectDeny}})
	assert.Error(t, err)

	err = ev.SetWorkspaceRules("ws_1", []Rule{{Name: "badeffect", Expression: `true`, Effect: "explode"}})
	assert.Error(t, err)
}
