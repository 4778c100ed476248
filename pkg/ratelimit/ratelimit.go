// Package ratelimit implements fixed-window rate limiting with streak
// promotion: sustained flooding turns into an agent_flooding incident on the
// event log. Bucket increments are durable even when the request is rejected,
// so retry storms cannot slip under the limit.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
)

// LimitError is returned when a rule is breached. It carries the retry hint
// surfaced to the caller alongside the rate_limited reason code.
type LimitError struct {
	Scope         string
	RetryAfterSec int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("ratelimit: %s exceeded, retry after %ds", e.Scope, e.RetryAfterSec)
}

// ReasonCode implements the domain error convention.
func (e *LimitError) ReasonCode() string { return contracts.ReasonRateLimited }

// Rule is one fixed-window rule, evaluated in slice order.
type Rule struct {
	Scope  string
	Limit  int
	Window time.Duration
	// Key derives the bucket key; returning "" skips the rule for this
	// request.
	Key func(req Request) string
}

// Request is one rate-limited operation.
type Request struct {
	WorkspaceID  string
	AgentID      string
	ExperimentID string
	Heartbeat    bool
}

// BucketStore persists fixed-window counters.
type BucketStore interface {
	// Incr bumps the bucket for the window and returns the new count.
	Incr(ctx context.Context, key string, windowStart time.Time, windowSec int) (int, error)

	// Prune removes buckets older than the cutoff, at most limit rows.
	Prune(ctx context.Context, olderThan time.Time, limit int) error
}

// StreakStore tracks consecutive breaches and incident muting.
type StreakStore interface {
	// RecordBreach bumps the consecutive-429 counter, resetting it when the
	// previous breach is older than the sliding window. Returns the new
	// streak length.
	RecordBreach(ctx context.Context, key string, at time.Time, window time.Duration) (int, error)

	// IncidentDue reports whether an incident may be emitted now, and if so
	// records the emission time. At most one true per mute period.
	IncidentDue(ctx context.Context, key string, at time.Time, mute time.Duration) (bool, error)
}

// Options tunes streak promotion.
type Options struct {
	StreakThreshold int           // consecutive 429s before an incident
	StreakWindow    time.Duration // sliding window for "consecutive"
	IncidentMute    time.Duration
}

// DefaultOptions matches the platform defaults.
func DefaultOptions() Options {
	return Options{
		StreakThreshold: 3,
		StreakWindow:    10 * time.Minute,
		IncidentMute:    15 * time.Minute,
	}
}

// Limiter applies rules and promotes sustained breaches to incidents.
type Limiter struct {
	rules   []Rule
	buckets BucketStore
	streaks StreakStore
	events  eventstore.Store
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	pruneEvery int
	checks     int
}

// NewLimiter builds a limiter. Events may be nil when streak promotion is
// not wanted (hot paths that only throttle).
func NewLimiter(rules []Rule, buckets BucketStore, streaks StreakStore, events eventstore.Store, opts Options) *Limiter {
	return &Limiter{
		rules:      rules,
		buckets:    buckets,
		streaks:    streaks,
		events:     events,
		opts:       opts,
		logger:     slog.Default().With("component", "ratelimit"),
		now:        time.Now,
		pruneEvery: 100,
	}
}

// WithClock replaces the time source (tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check applies every rule in order. The first breach returns a LimitError;
// the increments already made stay recorded.
func (l *Limiter) Check(ctx context.Context, req Request) error {
	now := l.now().UTC()
	for _, rule := range l.rules {
		key := rule.Key(req)
		if key == "" {
			continue
		}
		windowSec := int(rule.Window / time.Second)
		windowStart := now.Truncate(rule.Window)
		count, err := l.buckets.Incr(ctx, key, windowStart, windowSec)
		if err != nil {
			return fmt.Errorf("ratelimit: incr %s: %w", rule.Scope, err)
		}
		if count > rule.Limit {
			l.onBreach(ctx, req, rule, now)
			retry := int(windowStart.Add(rule.Window).Sub(now) / time.Second)
			if retry <= 0 {
				retry = 1
			}
			return &LimitError{Scope: rule.Scope, RetryAfterSec: retry}
		}
	}

	l.checks++
	if l.pruneEvery > 0 && l.checks%l.pruneEvery == 0 {
		if err := l.buckets.Prune(ctx, now.Add(-2*time.Hour), 500); err != nil {
			l.logger.Warn("bucket prune failed", "error", err)
		}
	}
	return nil
}

func (l *Limiter) onBreach(ctx context.Context, req Request, rule Rule, now time.Time) {
	if l.streaks == nil || l.events == nil {
		return
	}
	streakKey := req.WorkspaceID + "|" + req.AgentID + "|" + rule.Scope
	streak, err := l.streaks.RecordBreach(ctx, streakKey, now, l.opts.StreakWindow)
	if err != nil {
		l.logger.Warn("streak update failed", "error", err)
		return
	}
	if streak < l.opts.StreakThreshold {
		return
	}
	due, err := l.streaks.IncidentDue(ctx, streakKey, now, l.opts.IncidentMute)
	if err != nil || !due {
		return
	}

	anchor := now.Truncate(l.opts.IncidentMute).Format("2006-01-02T15:04:05Z")
	_, err = l.events.Append(ctx, eventstore.Envelope{
		EventType:      contracts.EventIncidentOpened,
		WorkspaceID:    req.WorkspaceID,
		Actor:          contracts.Actor{Type: contracts.ActorService, ID: "ratelimit"},
		Stream:         eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: req.WorkspaceID},
		CorrelationID:  "ratelimit:" + req.AgentID,
		IdempotencyKey: fmt.Sprintf("ratelimit:agent_flooding:%s:agent:%s:%s", req.WorkspaceID, req.AgentID, anchor),
		Data: map[string]any{
			"category":    "agent_flooding",
			"entity_type": "agent",
			"entity_id":   req.AgentID,
			"scope":       rule.Scope,
			"streak":      streak,
			"summary":     fmt.Sprintf("agent %s breached %s %d times in a row", req.AgentID, rule.Scope, streak),
		},
	})
	if err != nil {
		l.logger.Warn("flooding incident append failed", "error", err)
	}
}

// MessageRules builds the message-path rule set. Heartbeats get their own
// budget and bypass the agent, experiment, and global rules; the experiment
// rule only applies to messages tagged with an experiment.
func MessageRules(agentPerMin, agentPerHour, experimentPerHour, globalPerMin, heartbeatPerMin int) []Rule {
	nonHeartbeat := func(key func(Request) string) func(Request) string {
		return func(req Request) string {
			if req.Heartbeat {
				return ""
			}
			return key(req)
		}
	}
	return []Rule{
		{
			Scope: "agent_per_min", Limit: agentPerMin, Window: time.Minute,
			Key: nonHeartbeat(func(req Request) string {
				return "msg:agent:" + req.WorkspaceID + ":" + req.AgentID + ":m"
			}),
		},
		{
			Scope: "agent_per_hour", Limit: agentPerHour, Window: time.Hour,
			Key: nonHeartbeat(func(req Request) string {
				return "msg:agent:" + req.WorkspaceID + ":" + req.AgentID + ":h"
			}),
		},
		{
			Scope: "experiment_per_hour", Limit: experimentPerHour, Window: time.Hour,
			Key: nonHeartbeat(func(req Request) string {
				if req.ExperimentID == "" {
					return ""
				}
				return "msg:experiment:" + req.WorkspaceID + ":" + req.ExperimentID + ":h"
			}),
		},
		{
			Scope: "global_per_min", Limit: globalPerMin, Window: time.Minute,
			Key: nonHeartbeat(func(req Request) string {
				return "msg:global:" + req.WorkspaceID + ":m"
			}),
		},
		{
			Scope: "heartbeat_per_min", Limit: heartbeatPerMin, Window: time.Minute,
			Key: func(req Request) string {
				if !req.Heartbeat {
					return ""
				}
				return "msg:heartbeat:" + req.WorkspaceID + ":" + req.AgentID + ":m"
			},
		},
	}
}
