// Package egress gates outbound HTTP. Every request is recorded as
// egress.requested before evaluation, run through the policy gate on the
// normalized domain, optionally bound to an approval, logged, and closed
// with a terminal egress.allowed or egress.blocked event.
package egress

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/pkg/approval"
	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
	"github.com/arbiterhq/arbiter/pkg/policy"
)

// ErrInvalidTarget is returned for URLs that are not plain http(s) with a
// host.
var ErrInvalidTarget = errors.New("egress: invalid target url")

// Request describes one outbound call to be gated.
type Request struct {
	WorkspaceID   string
	Action        string
	TargetURL     string
	Method        string
	Actor         contracts.Actor
	PrincipalID   string
	TokenID       string
	Zone          contracts.Zone
	CorrelationID string
	Context       map[string]any
}

// Result is the gateway's verdict for one request.
type Result struct {
	RequestID  string
	Domain     string
	Decision   contracts.Decision
	ApprovalID string // set when the decision requires approval
}

// Allowed reports whether the caller may perform the call.
func (r *Result) Allowed() bool { return r.Decision.Allowed() }

// LogEntry is one row in the egress request log.
type LogEntry struct {
	RequestID       string
	WorkspaceID     string
	Domain          string
	Method          string
	TargetURL       string
	Decision        string
	ReasonCode      string
	Blocked         bool
	EnforcementMode string
	ApprovalID      string
	RequestedAt     time.Time
}

// Log persists the egress request log.
type Log interface {
	Insert(ctx context.Context, entry *LogEntry) error
}

// Gateway runs the request pipeline.
type Gateway struct {
	gate      *policy.Gate
	approvals *approval.Coordinator
	events    eventstore.Store
	log       Log
	now       func() time.Time
}

// NewGateway wires the gateway. log may be nil when no request log is kept.
func NewGateway(gate *policy.Gate, approvals *approval.Coordinator, events eventstore.Store, log Log) *Gateway {
	return &Gateway{gate: gate, approvals: approvals, events: events, log: log, now: time.Now}
}

// WithClock replaces the time source (tests).
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Request runs one outbound call through the full pipeline.
func (g *Gateway) Request(ctx context.Context, req Request) (*Result, error) {
	domain, err := NormalizeTarget(req.TargetURL)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = "egr:" + uuid.NewString()
	}
	requestID := "egr_" + uuid.NewString()

	requested, err := g.events.Append(ctx, eventstore.Envelope{
		EventType:     contracts.EventEgressRequested,
		WorkspaceID:   req.WorkspaceID,
		Actor:         req.Actor,
		Zone:          req.Zone,
		Stream:        eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: req.WorkspaceID},
		CorrelationID: correlation,
		Data: map[string]any{
			"request_id": requestID,
			"action":     req.Action,
			"target_url": req.TargetURL,
			"domain":     domain,
			"method":     method,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("egress: record request: %w", err)
	}

	decision, err := g.gate.Authorize(ctx, policy.Request{
		Kind:              contracts.KindEgress,
		Action:            req.Action,
		WorkspaceID:       req.WorkspaceID,
		Actor:             req.Actor,
		PrincipalID:       req.PrincipalID,
		CapabilityTokenID: req.TokenID,
		Zone:              req.Zone,
		Domain:            domain,
		CorrelationID:     correlation,
		Context:           req.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("egress: authorize: %w", err)
	}

	result := &Result{RequestID: requestID, Domain: domain, Decision: decision}

	if decision.Outcome == contracts.DecisionRequireApproval && g.approvals != nil {
		approvalID, err := g.approvals.Request(ctx, approval.RequestInput{
			WorkspaceID:    req.WorkspaceID,
			Action:         req.Action,
			Scope:          contracts.ScopeOnce,
			Actor:          req.Actor,
			CorrelationID:  correlation,
			IdempotencyKey: "egress:" + requestID,
			Context: map[string]any{
				"egress_request_id": requestID,
				"domain":            domain,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("egress: request approval: %w", err)
		}
		result.ApprovalID = approvalID
	}

	if g.log != nil {
		entry := &LogEntry{
			RequestID:       requestID,
			WorkspaceID:     req.WorkspaceID,
			Domain:          domain,
			Method:          method,
			TargetURL:       req.TargetURL,
			Decision:        string(decision.Outcome),
			ReasonCode:      decision.ReasonCode,
			Blocked:         decision.Blocked,
			EnforcementMode: string(decision.EnforcementMode),
			ApprovalID:      result.ApprovalID,
			RequestedAt:     g.now().UTC(),
		}
		if err := g.log.Insert(ctx, entry); err != nil {
			return nil, fmt.Errorf("egress: log request: %w", err)
		}
	}

	terminal := contracts.EventEgressAllowed
	if !decision.Allowed() {
		terminal = contracts.EventEgressBlocked
	}
	_, err = g.events.Append(ctx, eventstore.Envelope{
		EventType:     terminal,
		WorkspaceID:   req.WorkspaceID,
		Actor:         req.Actor,
		Zone:          req.Zone,
		Stream:        eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: req.WorkspaceID},
		CorrelationID: correlation,
		CausationID:   requested.EventID,
		Data: map[string]any{
			"request_id":       requestID,
			"domain":           domain,
			"decision":         string(decision.Outcome),
			"reason_code":      decision.ReasonCode,
			"blocked":          decision.Blocked,
			"enforcement_mode": string(decision.EnforcementMode),
			"approval_id":      result.ApprovalID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("egress: record verdict: %w", err)
	}

	if decision.ReasonCode == contracts.ReasonQuotaExceeded {
		_, err = g.events.Append(ctx, eventstore.Envelope{
			EventType:     contracts.EventQuotaExceeded,
			WorkspaceID:   req.WorkspaceID,
			Actor:         req.Actor,
			Stream:        eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: req.WorkspaceID},
			CorrelationID: correlation,
			CausationID:   requested.EventID,
			Data: map[string]any{
				"request_id": requestID,
				"domain":     domain,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("egress: record quota breach: %w", err)
		}
	}

	return result, nil
}

// NormalizeTarget validates the target URL and returns its lowercase host
// without port.
func NormalizeTarget(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidTarget, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidTarget)
	}
	return host, nil
}
