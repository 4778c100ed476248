// Package projector drives the read models. Every projection row is derived
// from the event log and can be rebuilt from it; the engine guarantees
// exactly-once application per (projector, event) and drops out-of-order
// updates per row via an occurred-at watermark.
package projector

import (
	"context"
	"log/slog"
	"time"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
)

// Row is one projection row. Domain attributes live in the row document;
// the store adds workspace, correlation, and watermark bookkeeping columns.
type Row map[string]any

// ReadModels is the projection storage contract. Projection tables are owned
// exclusively by this package; nothing else writes them.
type ReadModels interface {
	// MarkApplied records (projector, event) application intent. It returns
	// false when the pair was already recorded, in which case the caller
	// must skip the event.
	MarkApplied(ctx context.Context, projector, eventID string) (bool, error)

	// Upsert writes a projection row keyed by pk. Rows whose stored
	// last_event_occurred_at is >= occurredAt are left untouched, so replays
	// and out-of-order deliveries converge.
	Upsert(ctx context.Context, table, pk string, row Row, e *contracts.Event) error

	// Get returns a projection row.
	Get(ctx context.Context, table, pk string) (Row, bool, error)

	// SetWatermark records projector progress through the change feed.
	SetWatermark(ctx context.Context, projector string, recordedAt time.Time, eventID string) error

	// GetWatermark returns the stored progress, zero when none.
	GetWatermark(ctx context.Context, projector string) (eventstore.Cursor, error)

	// SetWorkspaceWatermark tracks the newest applied occurred-at per workspace.
	SetWorkspaceWatermark(ctx context.Context, workspaceID string, occurredAt time.Time) error

	// Park moves a persistently failing (projector, event) into the dead
	// letter projection with the final error. Parked events are never
	// silently dropped; an operator resets them.
	Park(ctx context.Context, projector, eventID, lastError string) error
}

// Projector applies events of the types it handles into read models.
// Handlers must be commutative across streams; per-stream order is the only
// order the engine guarantees.
type Projector interface {
	Name() string
	Handles(eventType string) bool
	Apply(ctx context.Context, e *contracts.Event, models ReadModels) error
}

// Hook runs after an event has been applied by every matching projector.
// The automation loop attaches here.
type Hook func(ctx context.Context, e *contracts.Event)

// Engine consumes the change feed and applies events.
type Engine struct {
	feed       eventstore.Store
	models     ReadModels
	projectors []Projector
	hooks      []Hook
	logger     *slog.Logger

	pollInterval time.Duration
	maxAttempts  int
	backoffBase  time.Duration
}

// NewEngine builds an engine over the given feed and projection store.
func NewEngine(feed eventstore.Store, models ReadModels, projectors []Projector) *Engine {
	return &Engine{
		feed:         feed,
		models:       models,
		projectors:   projectors,
		logger:       slog.Default().With("component", "projector"),
		pollInterval: 200 * time.Millisecond,
		maxAttempts:  3,
		backoffBase:  50 * time.Millisecond,
	}
}

// AddHook registers a post-apply hook.
func (en *Engine) AddHook(h Hook) {
	en.hooks = append(en.hooks, h)
}

// WithPollInterval tunes the change-feed poll cadence.
func (en *Engine) WithPollInterval(d time.Duration) *Engine {
	en.pollInterval = d
	return en
}

// engineCursorName keys the engine's own feed watermark.
const engineCursorName = "_feed"

// Run consumes the change feed until ctx is done. Progress is durable: the
// feed cursor is stored as a watermark, so a restarted engine resumes where
// it stopped.
func (en *Engine) Run(ctx context.Context) error {
	cursor, err := en.models.GetWatermark(ctx, engineCursorName)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(en.pollInterval)
	defer ticker.Stop()

	for {
		batch, err := en.feed.Changes(ctx, cursor, 256)
		if err != nil {
			en.logger.Warn("change feed read failed", "error", err)
		}
		for _, e := range batch {
			if err := en.ApplyEvent(ctx, e); err != nil {
				// ApplyEvent parks persistent failures; an error here means
				// the projection store itself is down. Stop advancing.
				en.logger.Error("apply failed", "event_id", e.EventID, "error", err)
				break
			}
			cursor = eventstore.Cursor{RecordedAt: e.RecordedAt, EventID: e.EventID}
			if err := en.models.SetWatermark(ctx, engineCursorName, cursor.RecordedAt, cursor.EventID); err != nil {
				en.logger.Error("watermark update failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ApplyEvent dispatches e to every projector that handles its type, with
// per-(projector, event) idempotency, bounded retries, and dead-lettering.
func (en *Engine) ApplyEvent(ctx context.Context, e *contracts.Event) error {
	for _, p := range en.projectors {
		if !p.Handles(e.EventType) {
			continue
		}
		fresh, err := en.models.MarkApplied(ctx, p.Name(), e.EventID)
		if err != nil {
			return err
		}
		if !fresh {
			continue
		}
		if err := en.applyWithRetry(ctx, p, e); err != nil {
			en.logger.Warn("projector parked event",
				"projector", p.Name(), "event_id", e.EventID, "error", err)
			if parkErr := en.models.Park(ctx, p.Name(), e.EventID, err.Error()); parkErr != nil {
				return parkErr
			}
			continue
		}
		if err := en.models.SetWatermark(ctx, p.Name(), e.RecordedAt, e.EventID); err != nil {
			return err
		}
	}
	if err := en.models.SetWorkspaceWatermark(ctx, e.WorkspaceID, e.OccurredAt); err != nil {
		return err
	}
	for _, h := range en.hooks {
		h(ctx, e)
	}
	return nil
}

func (en *Engine) applyWithRetry(ctx context.Context, p Projector, e *contracts.Event) error {
	var lastErr error
	delay := en.backoffBase
	for attempt := 1; attempt <= en.maxAttempts; attempt++ {
		lastErr = p.Apply(ctx, e, en.models)
		if lastErr == nil {
			return nil
		}
		if attempt < en.maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return lastErr
}
