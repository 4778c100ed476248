// Package policy is the single gate every externally visible action passes
// through. Authorize evaluates a short-circuit chain over the kill switch,
// the action registry, capability tokens, zone gating, the learned constraint
// ledger, workspace CEL rules, and egress allowlists, and produces a decision
// with a machine-readable reason code.
package policy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arbiterhq/arbiter/pkg/capability"
	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
	"github.com/arbiterhq/arbiter/pkg/learning"
	"github.com/arbiterhq/arbiter/pkg/registry"
)

// Request carries everything the gate needs to decide.
type Request struct {
	Kind              contracts.DecisionKind
	Action            string
	WorkspaceID       string
	Actor             contracts.Actor
	PrincipalID       string
	CapabilityTokenID string
	Zone              contracts.Zone
	RoomID            string
	RunID             string
	Tool              string
	Domain            string // normalized egress domain
	DataWrite         bool
	CorrelationID     string
	Context           map[string]any
}

// subjectKey prefers the principal, then the agent, then the raw actor.
func (r Request) subjectKey() string {
	if r.PrincipalID != "" {
		return "principal:" + r.PrincipalID
	}
	if r.Actor.Type == contracts.ActorAgent {
		return "agent:" + r.Actor.ID
	}
	return r.Actor.SubjectKey()
}

// ApprovalChecker answers whether an approved approval is bound to the
// request's correlation.
type ApprovalChecker interface {
	HasApproval(ctx context.Context, workspaceID, correlationID, action string) (bool, error)
}

// QuotaChecker answers whether an egress target is within quota.
type QuotaChecker interface {
	WithinQuota(ctx context.Context, workspaceID, domain string) (bool, error)
}

// Gate is the policy decision point.
type Gate struct {
	registry  *registry.Registry
	resolver  *capability.Resolver
	ledger    *learning.Ledger
	approvals ApprovalChecker
	quota     QuotaChecker
	rules     *Evaluator
	events    eventstore.Store
	logger    *slog.Logger

	killSwitch func() bool

	mu               sync.RWMutex
	shadowWorkspaces map[string]bool
	egressAllowlist  map[string][]string // workspace -> allowed domains; absent means allow all
}

// Config wires the gate's collaborators. Registry and Events are required;
// the rest degrade to permissive when nil.
type Config struct {
	Registry  *registry.Registry
	Resolver  *capability.Resolver
	Ledger    *learning.Ledger
	Approvals ApprovalChecker
	Quota     QuotaChecker
	Rules     *Evaluator

	// KillSwitch is polled per decision so a flipped env flag takes effect
	// without restart.
	KillSwitch func() bool
}

// NewGate builds the policy gate.
func NewGate(cfg Config, events eventstore.Store) *Gate {
	ks := cfg.KillSwitch
	if ks == nil {
		ks = func() bool { return false }
	}
	return &Gate{
		registry:         cfg.Registry,
		resolver:         cfg.Resolver,
		ledger:           cfg.Ledger,
		approvals:        cfg.Approvals,
		quota:            cfg.Quota,
		rules:            cfg.Rules,
		events:           events,
		logger:           slog.Default().With("component", "policy"),
		killSwitch:       ks,
		shadowWorkspaces: make(map[string]bool),
		egressAllowlist:  make(map[string][]string),
	}
}

// SetShadowWorkspace puts a whole workspace in shadow mode: decisions are
// recorded but never block. Safe to call while decisions are in flight.
func (g *Gate) SetShadowWorkspace(workspaceID string, shadow bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shadowWorkspaces[workspaceID] = shadow
}

// SetEgressAllowlist restricts a workspace's egress to the listed domains.
func (g *Gate) SetEgressAllowlist(workspaceID string, domains []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.egressAllowlist[workspaceID] = domains
}

func (g *Gate) shadowed(workspaceID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.shadowWorkspaces[workspaceID]
}

func (g *Gate) allowlistFor(workspaceID string) ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	domains, ok := g.egressAllowlist[workspaceID]
	return domains, ok
}

// learnedReasonCodes are the reason codes whose denials fold into the
// constraint ledger and can later short-circuit as learned blocks.
var learnedReasonCodes = []string{
	contracts.ReasonExternalWriteRequiresApproval,
	contracts.ReasonZoneInsufficient,
	contracts.ReasonCapabilityMissing,
	contracts.ReasonEgressDomainBlocked,
	contracts.ReasonWorkspaceRuleBlock,
}

// Authorize evaluates the request and returns the decision. Non-allow
// decisions are recorded as policy events and fed to the learning ledger
// before returning.
func (g *Gate) Authorize(ctx context.Context, req Request) (contracts.Decision, error) {
	d, err := g.evaluate(ctx, req)
	if err != nil {
		return contracts.Decision{}, err
	}

	mode := g.enforcementMode(req)
	d.EnforcementMode = mode
	d.Blocked = d.Outcome != contracts.DecisionAllow && mode == contracts.ModeEnforce

	if d.Outcome != contracts.DecisionAllow {
		g.recordNonAllow(ctx, req, d)
	}
	return d, nil
}

func (g *Gate) evaluate(ctx context.Context, req Request) (contracts.Decision, error) {
	if g.killSwitch() {
		return deny(contracts.ReasonKillSwitchActive, "kill switch active"), nil
	}

	spec := g.registry.Resolve(req.Action)

	zone := req.Zone
	if zone == "" {
		zone = contracts.ZoneSandbox
	}
	if !zone.AtLeast(spec.ZoneRequired) {
		return deny(contracts.ReasonZoneInsufficient,
			"action requires zone "+string(spec.ZoneRequired)), nil
	}

	if req.CapabilityTokenID != "" && g.resolver != nil {
		scopes, err := g.resolver.Resolve(ctx, req.CapabilityTokenID)
		if err != nil {
			return deny(contracts.ReasonCapabilityMissing, "capability token not effective"), nil
		}
		if d, ok := g.checkScopes(req, scopes); !ok {
			return d, nil
		}
	}

	if spec.RequiresPreApproval || spec.ZoneRequired == contracts.ZoneHighStakes {
		approved := false
		if g.approvals != nil {
			var err error
			approved, err = g.approvals.HasApproval(ctx, req.WorkspaceID, req.CorrelationID, req.Action)
			if err != nil {
				return contracts.Decision{}, err
			}
		}
		if !approved {
			return requireApproval(contracts.ReasonExternalWriteRequiresApproval,
				"high stakes action requires an approved approval"), nil
		}
	}

	if g.ledger != nil {
		blocked, err := g.learnedBlock(ctx, req)
		if err != nil {
			return contracts.Decision{}, err
		}
		if blocked {
			return deny(contracts.ReasonConstraintLearnedBlock,
				"pattern blocked by learned constraint"), nil
		}
	}

	if g.rules != nil {
		match, err := g.rules.Evaluate(req.WorkspaceID, req)
		if err != nil {
			return contracts.Decision{}, err
		}
		if match != nil {
			if match.Rule.Effect == EffectRequireApproval {
				return requireApproval(match.Rule.ReasonCode, "workspace rule "+match.Rule.Name), nil
			}
			return deny(match.Rule.ReasonCode, "workspace rule "+match.Rule.Name), nil
		}
	}

	if req.Kind == contracts.KindEgress {
		if allowlist, ok := g.allowlistFor(req.WorkspaceID); ok && len(allowlist) > 0 {
			if !domainAllowed(allowlist, req.Domain) {
				return deny(contracts.ReasonEgressDomainBlocked,
					"domain not in workspace allowlist"), nil
			}
		}
		if g.quota != nil {
			within, err := g.quota.WithinQuota(ctx, req.WorkspaceID, req.Domain)
			if err != nil {
				return contracts.Decision{}, err
			}
			if !within {
				return deny(contracts.ReasonQuotaExceeded, "egress quota exceeded"), nil
			}
		}
	}

	return contracts.Decision{
		Outcome:    contracts.DecisionAllow,
		ReasonCode: contracts.ReasonDefaultAllow,
	}, nil
}

func (g *Gate) checkScopes(req Request, scopes capability.Scopes) (contracts.Decision, bool) {
	miss := func(what string) (contracts.Decision, bool) {
		return deny(contracts.ReasonCapabilityMissing, "capability scope missing: "+what), false
	}
	if !scopes.AllowsAction(req.Action) {
		return miss("action " + req.Action)
	}
	if req.RoomID != "" && !scopes.AllowsRoom(req.RoomID) {
		return miss("room " + req.RoomID)
	}
	switch req.Kind {
	case contracts.KindToolCall:
		if req.Tool != "" && !scopes.AllowsTool(req.Tool) {
			return miss("tool " + req.Tool)
		}
	case contracts.KindEgress:
		if !scopes.AllowsDomain(req.Domain) {
			return miss("domain " + req.Domain)
		}
	case contracts.KindDataAccess:
		if req.DataWrite && !scopes.DataAccess.Write {
			return miss("data write")
		}
		if !req.DataWrite && !scopes.DataAccess.Read {
			return miss("data read")
		}
	}
	return contracts.Decision{}, true
}

// learnedBlock checks the ledger for a live constraint matching this request
// under any of the learnable reason codes. Approval-backed calls bypass the
// block.
func (g *Gate) learnedBlock(ctx context.Context, req Request) (bool, error) {
	if g.approvals != nil && req.CorrelationID != "" {
		approved, err := g.approvals.HasApproval(ctx, req.WorkspaceID, req.CorrelationID, req.Action)
		if err != nil {
			return false, err
		}
		if approved {
			return false, nil
		}
	}
	for _, reason := range learnedReasonCodes {
		hash, err := learning.PatternHash(g.observation(req, reason))
		if err != nil {
			return false, err
		}
		key := learning.Key{
			WorkspaceID: req.WorkspaceID,
			SubjectKey:  req.subjectKey(),
			Category:    string(req.Kind),
			PatternHash: hash,
		}
		live, err := g.ledger.HasLiveConstraint(ctx, key, reason)
		if err != nil {
			return false, err
		}
		if live {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gate) observation(req Request, reasonCode string) learning.Observation {
	return learning.Observation{
		WorkspaceID:   req.WorkspaceID,
		SubjectKey:    req.subjectKey(),
		Category:      string(req.Kind),
		Action:        req.Action,
		ReasonCode:    reasonCode,
		Blocked:       true,
		Context:       req.Context,
		CorrelationID: req.CorrelationID,
		Actor:         req.Actor,
	}
}

func (g *Gate) enforcementMode(req Request) contracts.EnforcementMode {
	if g.shadowed(req.WorkspaceID) {
		return contracts.ModeShadow
	}
	if spec, ok := g.registry.Lookup(req.Action); ok && spec.ShadowMode {
		return contracts.ModeShadow
	}
	return contracts.ModeEnforce
}

// recordNonAllow appends the policy event and feeds the learning ledger.
// Both are best-effort: the decision stands even if recording fails.
func (g *Gate) recordNonAllow(ctx context.Context, req Request, d contracts.Decision) {
	eventType := contracts.EventPolicyDenied
	if d.Outcome == contracts.DecisionRequireApproval {
		eventType = contracts.EventPolicyRequiresApproval
	}
	_, err := g.events.Append(ctx, eventstore.Envelope{
		EventType:     eventType,
		WorkspaceID:   req.WorkspaceID,
		RoomID:        req.RoomID,
		RunID:         req.RunID,
		Actor:         req.Actor,
		Zone:          req.Zone,
		Stream:        eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: req.WorkspaceID},
		CorrelationID: req.CorrelationID,
		PolicyContext: map[string]any{
			"kind":             string(req.Kind),
			"enforcement_mode": string(d.EnforcementMode),
		},
		Data: map[string]any{
			"action":      req.Action,
			"decision":    string(d.Outcome),
			"reason_code": d.ReasonCode,
			"blocked":     d.Blocked,
		},
	})
	if err != nil {
		g.logger.Warn("policy event append failed", "event_type", eventType, "error", err)
	}

	if g.ledger != nil {
		if _, _, err := g.ledger.RecordFailure(ctx, g.observation(req, d.ReasonCode)); err != nil {
			g.logger.Warn("learning ledger update failed", "error", err)
		}
	}
}

func deny(reasonCode, reason string) contracts.Decision {
	return contracts.Decision{
		Outcome:    contracts.DecisionDeny,
		ReasonCode: reasonCode,
		Reason:     reason,
	}
}

func requireApproval(reasonCode, reason string) contracts.Decision {
	return contracts.Decision{
		Outcome:    contracts.DecisionRequireApproval,
		ReasonCode: reasonCode,
		Reason:     reason,
	}
}

func domainAllowed(allowlist []string, domain string) bool {
	for _, d := range allowlist {
		if d == "*" || d == domain {
			return true
		}
		if len(d) > 2 && d[0] == '*' && d[1] == '.' {
			suffix := d[1:]
			if len(domain) > len(suffix) && domain[len(domain)-len(suffix):] == suffix {
				return true
			}
		}
	}
	return false
}
