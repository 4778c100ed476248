// Package learning is the constraint ledger: every non-allow policy decision
// is folded into per-subject constraints and mistake counters so the platform
// can recognize, and eventually block, repeated failure patterns.
package learning

import (
	"context"
	"log/slog"
	"time"

	"github.com/arbiterhq/arbiter/pkg/canonical"
	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
)

// Key identifies one constraint / mistake counter.
type Key struct {
	WorkspaceID string
	SubjectKey  string
	Category    string
	PatternHash string
}

// Store persists constraints and mistake counters.
type Store interface {
	// Observe upserts both the constraint and the mistake counter for the
	// key and returns the post-increment seen count.
	Observe(ctx context.Context, key Key, reasonCode string, at time.Time) (int, error)

	// LiveConstraint reports whether a constraint exists for the key with
	// the given reason code.
	LiveConstraint(ctx context.Context, key Key, reasonCode string) (bool, error)
}

// Observation is one non-allow policy decision fed to the ledger.
type Observation struct {
	WorkspaceID   string
	SubjectKey    string
	Category      string
	Action        string
	ReasonCode    string
	Blocked       bool
	Context       map[string]any
	CorrelationID string
	CausationID   string
	Actor         contracts.Actor
}

// PatternHash derives the dedup key of an observation from its sanitized
// shape. The hash is stable across equivalent contexts.
func PatternHash(obs Observation) (string, error) {
	return canonical.Hash(map[string]any{
		"category":          obs.Category,
		"action":            obs.Action,
		"reason_code":       obs.ReasonCode,
		"blocked":           obs.Blocked,
		"sanitized_context": Sanitize(obs.Context),
	})
}

// Ledger records observations and emits the learning events.
type Ledger struct {
	store  Store
	events eventstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger builds a ledger over the given store and event log.
func NewLedger(store Store, events eventstore.Store) *Ledger {
	return &Ledger{
		store:  store,
		events: events,
		logger: slog.Default().With("component", "learning"),
		now:    time.Now,
	}
}

// WithClock replaces the time source (tests).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// RecordFailure folds one observation into the ledger and appends
// learning.from_failure, constraint.learned, and, exactly on the second
// observation of a pattern, mistake.repeated.
func (l *Ledger) RecordFailure(ctx context.Context, obs Observation) (Key, int, error) {
	patternHash, err := PatternHash(obs)
	if err != nil {
		return Key{}, 0, err
	}
	key := Key{
		WorkspaceID: obs.WorkspaceID,
		SubjectKey:  obs.SubjectKey,
		Category:    obs.Category,
		PatternHash: patternHash,
	}
	seen, err := l.store.Observe(ctx, key, obs.ReasonCode, l.now())
	if err != nil {
		return Key{}, 0, err
	}

	base := map[string]any{
		"subject_key":  obs.SubjectKey,
		"category":     obs.Category,
		"action":       obs.Action,
		"reason_code":  obs.ReasonCode,
		"pattern_hash": patternHash,
		"seen_count":   seen,
	}
	l.append(ctx, obs, contracts.EventLearningFromFailure, base)
	l.append(ctx, obs, contracts.EventConstraintLearned, base)
	if seen == 2 {
		repeated := map[string]any{
			"subject_key":  obs.SubjectKey,
			"category":     obs.Category,
			"pattern_hash": patternHash,
			"repeat_count": seen,
		}
		l.append(ctx, obs, contracts.EventMistakeRepeated, repeated)
	}
	return key, seen, nil
}

// HasLiveConstraint reports whether the exact pattern is already constrained
// with the same reason code; the policy gate uses this as a learned block.
func (l *Ledger) HasLiveConstraint(ctx context.Context, key Key, reasonCode string) (bool, error) {
	return l.store.LiveConstraint(ctx, key, reasonCode)
}

func (l *Ledger) append(ctx context.Context, obs Observation, eventType string, data map[string]any) {
	_, err := l.events.Append(ctx, eventstore.Envelope{
		EventType:     eventType,
		WorkspaceID:   obs.WorkspaceID,
		Actor:         contracts.Actor{Type: contracts.ActorService, ID: "learning"},
		Stream:        eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: obs.WorkspaceID},
		CorrelationID: obs.CorrelationID,
		CausationID:   obs.CausationID,
		Data:          data,
	})
	if err != nil {
		// Ledger state is already durable; a failed event append only loses
		// the audit trail entry, never the constraint.
		l.logger.Warn("learning event append failed", "event_type", eventType, "error", err)
	}
}
