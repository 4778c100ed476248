// Package automation is the reactive loop behind the projector: after an
// event lands in the read models it may open incidents, request approvals,
// revoke them, or quarantine an agent. Every emission carries a
// deterministic idempotency key so re-deliveries collapse in the event
// store, and a two-attempt retry funnels internal failures into a fallback
// incident instead of halting the loop.
package automation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
	"github.com/arbiterhq/arbiter/pkg/projector"
)

// Incident categories emitted by the loop.
const (
	CategoryRunFailed         = "automation.run_failed"
	CategoryIterationOverflow = "automation.iteration_overflow"
	CategoryLoopFailing       = "automation.loop_failing"
	CategoryInternalError     = "automation_internal_error"
)

// Config holds the promotion-loop thresholds. Windowed counts look back
// over Window; zero values are replaced by defaults.
type Config struct {
	Enabled             bool
	PassThreshold       int
	FailThreshold       int
	SevereThreshold     int
	QuarantineThreshold int
	Window              time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		PassThreshold:       3,
		FailThreshold:       3,
		SevereThreshold:     5,
		QuarantineThreshold: 6,
		Window:              7 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	if c.PassThreshold <= 0 {
		c.PassThreshold = 3
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 3
	}
	if c.SevereThreshold <= 0 {
		c.SevereThreshold = 5
	}
	if c.QuarantineThreshold <= 0 {
		c.QuarantineThreshold = 6
	}
	if c.Window <= 0 {
		c.Window = 7 * 24 * time.Hour
	}
	return c
}

// Index answers the read-model questions the handlers need.
type Index interface {
	// ScorecardOutcomes counts pass, fail, and severe scorecards for an
	// agent recorded at or after since.
	ScorecardOutcomes(ctx context.Context, workspaceID, agentID string, since time.Time) (Outcomes, error)

	// OpenApprovalForCorrelation returns the id of a pending or approved
	// approval bound to the correlation, empty when none exists.
	OpenApprovalForCorrelation(ctx context.Context, workspaceID, correlationID string) (string, error)

	// RunHadDenial reports whether an approval bound to the run was denied
	// or revoked.
	RunHadDenial(ctx context.Context, workspaceID, runID string) (bool, error)

	// RunRiskTier returns the risk tier recorded on the run projection.
	RunRiskTier(ctx context.Context, workspaceID, runID string) (string, error)

	// HasOpenIncident reports whether an open incident references the entity.
	HasOpenIncident(ctx context.Context, workspaceID, entityID string) (bool, error)
}

// Loop dispatches projected events into the reactive handlers.
type Loop struct {
	cfg    Config
	events eventstore.Store
	index  Index
	logger *slog.Logger
	now    func() time.Time
}

// New builds the loop.
func New(cfg Config, events eventstore.Store, index Index) *Loop {
	return &Loop{
		cfg:    cfg.withDefaults(),
		events: events,
		index:  index,
		logger: slog.Default().With("component", "automation"),
		now:    time.Now,
	}
}

// WithClock replaces the time source (tests).
func (l *Loop) WithClock(now func() time.Time) *Loop {
	l.now = now
	return l
}

// Hook adapts the loop to the projector engine. One poison event cannot
// halt the feed: failures end in a fallback incident, never an error.
func (l *Loop) Hook() projector.Hook {
	return func(ctx context.Context, e *contracts.Event) {
		l.Handle(ctx, e)
	}
}

// Handle processes one projected event. Unhandled types are ignored.
func (l *Loop) Handle(ctx context.Context, e *contracts.Event) {
	if !l.cfg.Enabled {
		return
	}
	var (
		handler func(ctx context.Context, e *contracts.Event) error
		trigger string
	)
	switch e.EventType {
	case contracts.EventRunFailed:
		handler, trigger = l.handleRunFailed, "run_failed"
	case contracts.EventScorecardRecorded:
		handler, trigger = l.handleScorecard, "scorecard"
	default:
		return
	}

	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		if err = handler(ctx, e); err == nil {
			return
		}
	}
	l.logger.Error("handler failed, emitting fallback incident",
		"trigger", trigger, "event_id", e.EventID, "error", err)
	l.emitIncident(ctx, e.WorkspaceID, CategoryInternalError, "automation", trigger,
		fmt.Sprintf("automation handler %s failed: %v", trigger, err),
		fmt.Sprintf("incident:%s:automation:%s:internal_error:%s", e.WorkspaceID, trigger, e.EventID))
}

// MessageID derives the deterministic id for a human-decision message.
func MessageID(idempotencyKey string) string {
	sum := sha256.Sum256([]byte(idempotencyKey))
	return "msg_" + hex.EncodeToString(sum[:])[:26]
}

func (l *Loop) handleRunFailed(ctx context.Context, e *contracts.Event) error {
	runID := e.RunID
	if runID == "" {
		runID = str(e.Data, "run_id")
	}
	if runID == "" {
		return nil
	}
	ws := e.WorkspaceID

	denied, err := l.index.RunHadDenial(ctx, ws, runID)
	if err != nil {
		return err
	}
	if denied {
		// The failure is the outcome of a triage decision, not a surprise.
		return nil
	}

	if err := l.emitIncident(ctx, ws, CategoryRunFailed, "run", runID,
		fmt.Sprintf("run %s failed without a triage decision", runID),
		fmt.Sprintf("incident:%s:run:%s:run_failed:%s", ws, runID, e.EventID)); err != nil {
		return err
	}

	tier, err := l.index.RunRiskTier(ctx, ws, runID)
	if err != nil {
		return err
	}
	if tier != "high" {
		return nil
	}
	open, err := l.index.HasOpenIncident(ctx, ws, runID)
	if err != nil {
		return err
	}
	if open {
		return nil
	}
	key := fmt.Sprintf("message:%s:run:%s:human_decision:%s", ws, runID, e.EventID)
	_, err = l.events.Append(ctx, eventstore.Envelope{
		EventType:      contracts.EventMessageCreated,
		WorkspaceID:    ws,
		RunID:          runID,
		Actor:          contracts.Actor{Type: contracts.ActorService, ID: "automation"},
		Stream:         eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: ws},
		CorrelationID:  "run:" + runID,
		IdempotencyKey: key,
		Data: map[string]any{
			"message_id":        MessageID(key),
			"text":              fmt.Sprintf("high-risk run %s failed; a human decision is required", runID),
			"decision_required": true,
		},
	})
	return err
}

func (l *Loop) handleScorecard(ctx context.Context, e *contracts.Event) error {
	ws := e.WorkspaceID
	runID := str(e.Data, "run_id")
	agentID := str(e.Data, "agent_id")
	decision := str(e.Data, "decision")

	iterations := intField(e.Data, "iterations")
	maxIterations := intField(e.Data, "max_iterations")
	if maxIterations > 0 && iterations >= maxIterations {
		if err := l.emitIncident(ctx, ws, CategoryIterationOverflow, "run", runID,
			fmt.Sprintf("run %s hit the iteration cap (%d)", runID, maxIterations),
			fmt.Sprintf("incident:%s:run:%s:iteration_overflow:%s", ws, runID, e.EventID)); err != nil {
			return err
		}
	}

	if agentID == "" {
		return nil
	}
	since := l.now().Add(-l.cfg.Window)
	outcomes, err := l.index.ScorecardOutcomes(ctx, ws, agentID, since)
	if err != nil {
		return err
	}
	anchor := l.now().UTC().Truncate(24 * time.Hour).Format("2006-01-02")

	if _, err := l.events.Append(ctx, eventstore.Envelope{
		EventType:      contracts.EventPromotionEvaluated,
		WorkspaceID:    ws,
		Actor:          contracts.Actor{Type: contracts.ActorService, ID: "automation"},
		Stream:         eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: ws},
		CorrelationID:  "agent:" + agentID,
		IdempotencyKey: fmt.Sprintf("promotion:%s:agent:%s:evaluated:%s", ws, agentID, e.EventID),
		Data: map[string]any{
			"agent_id": agentID,
			"decision": decision,
			"passes":   outcomes.Pass,
			"failures": outcomes.Fail,
			"severe":   outcomes.Severe,
		},
	}); err != nil {
		return err
	}

	switch decision {
	case "pass":
		if outcomes.Pass >= l.cfg.PassThreshold {
			return l.requestPromotionApproval(ctx, ws, agentID, runID, anchor)
		}
		return nil
	case "fail":
		return l.handleFailingAgent(ctx, ws, agentID, outcomes, anchor)
	default:
		return nil
	}
}

func (l *Loop) requestPromotionApproval(ctx context.Context, ws, agentID, runID, anchor string) error {
	key := fmt.Sprintf("approval:%s:agent:%s:promotion:%s", ws, agentID, anchor)
	_, err := l.events.Append(ctx, eventstore.Envelope{
		EventType:      contracts.EventApprovalRequested,
		WorkspaceID:    ws,
		RunID:          runID,
		Actor:          contracts.Actor{Type: contracts.ActorService, ID: "automation"},
		Stream:         eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: ws},
		CorrelationID:  "agent:" + agentID,
		IdempotencyKey: key,
		Data: map[string]any{
			"approval_id": "apr_" + MessageID(key)[4:],
			"action":      "agent.promote",
			"scope":       "correlation",
			"status":      string(contracts.ApprovalPending),
			"agent_id":    agentID,
		},
	})
	return err
}

func (l *Loop) handleFailingAgent(ctx context.Context, ws, agentID string, outcomes Outcomes, anchor string) error {
	if outcomes.Fail >= l.cfg.FailThreshold {
		if err := l.emitIncident(ctx, ws, CategoryLoopFailing, "agent", agentID,
			fmt.Sprintf("agent %s failed %d scorecards in the window", agentID, outcomes.Fail),
			fmt.Sprintf("incident:%s:agent:%s:loop_failing:%s", ws, agentID, anchor)); err != nil {
			return err
		}
	}
	if outcomes.Severe >= l.cfg.SevereThreshold {
		if err := l.revokePromotionApproval(ctx, ws, agentID, anchor); err != nil {
			return err
		}
	}
	if outcomes.Fail >= l.cfg.QuarantineThreshold {
		_, err := l.events.Append(ctx, eventstore.Envelope{
			EventType:      contracts.EventAgentQuarantined,
			WorkspaceID:    ws,
			Actor:          contracts.Actor{Type: contracts.ActorService, ID: "automation"},
			Stream:         eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: ws},
			CorrelationID:  "agent:" + agentID,
			IdempotencyKey: fmt.Sprintf("quarantine:%s:agent:%s:threshold:%s", ws, agentID, anchor),
			Data: map[string]any{
				"agent_id": agentID,
				"failures": outcomes.Fail,
				"severe":   outcomes.Severe,
			},
		})
		return err
	}
	return nil
}

func (l *Loop) revokePromotionApproval(ctx context.Context, ws, agentID, anchor string) error {
	approvalID, err := l.index.OpenApprovalForCorrelation(ctx, ws, "agent:"+agentID)
	if err != nil {
		return err
	}
	if approvalID == "" {
		return nil
	}
	_, err = l.events.Append(ctx, eventstore.Envelope{
		EventType:      contracts.EventApprovalRevoked,
		WorkspaceID:    ws,
		Actor:          contracts.Actor{Type: contracts.ActorService, ID: "automation"},
		Stream:         eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: ws},
		CorrelationID:  "agent:" + agentID,
		IdempotencyKey: fmt.Sprintf("revoke:%s:approval:%s:severe:%s", ws, approvalID, anchor),
		Data: map[string]any{
			"approval_id": approvalID,
			"reason":      "severe_failures",
		},
	})
	return err
}

func (l *Loop) emitIncident(ctx context.Context, ws, category, entityType, entityID, summary, key string) error {
	_, err := l.events.Append(ctx, eventstore.Envelope{
		EventType:      contracts.EventIncidentOpened,
		WorkspaceID:    ws,
		Actor:          contracts.Actor{Type: contracts.ActorService, ID: "automation"},
		Stream:         eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: ws},
		CorrelationID:  "automation:" + category,
		IdempotencyKey: key,
		Data: map[string]any{
			"category":    category,
			"entity_type": entityType,
			"entity_id":   entityID,
			"summary":     summary,
		},
	})
	return err
}

func str(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
