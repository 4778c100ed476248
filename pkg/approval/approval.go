// Package approval coordinates human gating: requesting approvals, deciding
// them, and answering the policy gate's "is this correlation approved" check.
// Approval state itself lives in the event log and its projection; the
// coordinator only appends events and reads the projection.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
)

var (
	// ErrNotFound is returned when an approval id is unknown.
	ErrNotFound = errors.New("approval: not found")

	// ErrNotOpen is returned when deciding an approval that is already
	// terminal with a different decision.
	ErrNotOpen = errors.New("approval: not open")
)

// DecisionVerb is a human decision on an approval.
type DecisionVerb string

const (
	Approve DecisionVerb = "approve"
	Deny    DecisionVerb = "deny"
	Hold    DecisionVerb = "hold"
)

// Record is the projection-side view of an approval.
type Record struct {
	ApprovalID    string
	WorkspaceID   string
	Action        string
	Status        contracts.ApprovalStatus
	Scope         contracts.ApprovalScope
	CorrelationID string
	Decision      string
	DecidedBy     string
	ExpiresAt     *time.Time
}

// Reader answers approval lookups against the projection.
type Reader interface {
	Get(ctx context.Context, workspaceID, approvalID string) (*Record, error)
	ApprovedForCorrelation(ctx context.Context, workspaceID, correlationID, action string) (bool, error)
}

// RequestInput describes a new approval request.
type RequestInput struct {
	WorkspaceID    string
	Action         string
	Scope          contracts.ApprovalScope
	Actor          contracts.Actor
	CorrelationID  string
	RunID          string
	ExpiresAt      *time.Time
	Held           bool // triage rule matched; start held instead of pending
	IdempotencyKey string
	Context        map[string]any
}

// Coordinator appends approval lifecycle events.
type Coordinator struct {
	events eventstore.Store
	reader Reader
	now    func() time.Time
}

// NewCoordinator builds a coordinator over the event log and projection.
func NewCoordinator(events eventstore.Store, reader Reader) *Coordinator {
	return &Coordinator{events: events, reader: reader, now: time.Now}
}

// WithClock replaces the time source (tests).
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Request appends approval.requested and returns the approval id. With an
// idempotency key, replays return the originally created approval.
func (c *Coordinator) Request(ctx context.Context, in RequestInput) (string, error) {
	if in.Scope == "" {
		in.Scope = contracts.ScopeOnce
	}
	status := contracts.ApprovalPending
	if in.Held {
		status = contracts.ApprovalHeld
	}
	data := map[string]any{
		"approval_id": "apr_" + uuid.NewString(),
		"action":      in.Action,
		"scope":       string(in.Scope),
		"status":      string(status),
	}
	if in.ExpiresAt != nil {
		data["expires_at"] = in.ExpiresAt.UTC().Format(time.RFC3339)
	}
	for k, v := range in.Context {
		if _, taken := data[k]; !taken {
			data[k] = v
		}
	}
	e, err := c.events.Append(ctx, eventstore.Envelope{
		EventType:      contracts.EventApprovalRequested,
		WorkspaceID:    in.WorkspaceID,
		RunID:          in.RunID,
		Actor:          in.Actor,
		Stream:         eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: in.WorkspaceID},
		CorrelationID:  in.CorrelationID,
		IdempotencyKey: in.IdempotencyKey,
		Data:           data,
	})
	if err != nil {
		return "", fmt.Errorf("approval: request: %w", err)
	}
	// On idempotent replay the stored event carries the original id.
	id, _ := e.Data["approval_id"].(string)
	return id, nil
}

// Decide appends approval.decided. Deciding a terminal approval with the
// same decision is an accepted no-op; a different decision is rejected.
// A hold on a pending approval parks it without being terminal.
func (c *Coordinator) Decide(ctx context.Context, workspaceID, approvalID string, verb DecisionVerb, decidedBy string) error {
	rec, err := c.reader.Get(ctx, workspaceID, approvalID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		if rec.Decision == string(verb) {
			return nil
		}
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, approvalID, rec.Status)
	}
	_, err = c.events.Append(ctx, eventstore.Envelope{
		EventType:     contracts.EventApprovalDecided,
		WorkspaceID:   workspaceID,
		Actor:         contracts.Actor{Type: contracts.ActorUser, ID: decidedBy},
		Stream:        eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: workspaceID},
		CorrelationID: rec.CorrelationID,
		Data: map[string]any{
			"approval_id": approvalID,
			"decision":    string(verb),
			"decided_by":  decidedBy,
		},
	})
	if err != nil {
		return fmt.Errorf("approval: decide: %w", err)
	}
	return nil
}

// Revoke appends approval.revoked, withdrawing an earlier approval.
func (c *Coordinator) Revoke(ctx context.Context, workspaceID, approvalID, revokedBy string) error {
	rec, err := c.reader.Get(ctx, workspaceID, approvalID)
	if err != nil {
		return err
	}
	_, err = c.events.Append(ctx, eventstore.Envelope{
		EventType:     contracts.EventApprovalRevoked,
		WorkspaceID:   workspaceID,
		Actor:         contracts.Actor{Type: contracts.ActorUser, ID: revokedBy},
		Stream:        eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: workspaceID},
		CorrelationID: rec.CorrelationID,
		Data: map[string]any{
			"approval_id": approvalID,
			"revoked_by":  revokedBy,
		},
	})
	if err != nil {
		return fmt.Errorf("approval: revoke: %w", err)
	}
	return nil
}

// HasApproval implements the policy gate's approval check: an approved,
// unexpired approval bound to the correlation (or a broader scope) exists.
func (c *Coordinator) HasApproval(ctx context.Context, workspaceID, correlationID, action string) (bool, error) {
	if correlationID == "" {
		return false, nil
	}
	return c.reader.ApprovedForCorrelation(ctx, workspaceID, correlationID, action)
}
