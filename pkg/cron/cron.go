// Package cron is the platform's distributed scheduler: a jittered,
// leader-elected tick that sweeps stale approvals, stuck runs, and demoted
// runs into incidents, guarded by a fencing-token lease and a watchdog that
// first alerts and then halts on repeated failures.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
	"github.com/arbiterhq/arbiter/pkg/lease"
)

// lockName is the leader lease every tick contends on.
const lockName = "heart_cron"

// Config tunes the runtime. Zero values are replaced by defaults at
// construction; BatchLimit is clamped to 1..100 and the heartbeat interval
// is capped at a third of the lease.
type Config struct {
	LockLease            time.Duration
	Heartbeat            time.Duration
	TickInterval         time.Duration
	JitterMax            time.Duration
	BatchLimit           int
	WorkspaceConcurrency int
	WindowSec            int
	ApprovalTimeout      time.Duration
	RunStuckTimeout      time.Duration
	DemotedStale         time.Duration
	WatchdogAlert        int
	WatchdogHalt         int
}

// withDefaults fills and clamps.
func (c Config) withDefaults() Config {
	if c.LockLease <= 0 {
		c.LockLease = 30 * time.Second
	}
	if c.Heartbeat <= 0 || c.Heartbeat > c.LockLease/3 {
		c.Heartbeat = c.LockLease / 3
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.BatchLimit < 1 {
		c.BatchLimit = 50
	}
	if c.BatchLimit > 100 {
		c.BatchLimit = 100
	}
	if c.WorkspaceConcurrency <= 0 {
		c.WorkspaceConcurrency = 4
	}
	if c.WindowSec <= 0 {
		c.WindowSec = 300
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 30 * time.Minute
	}
	if c.RunStuckTimeout <= 0 {
		c.RunStuckTimeout = 30 * time.Minute
	}
	if c.DemotedStale <= 0 {
		c.DemotedStale = 24 * time.Hour
	}
	if c.WatchdogAlert <= 0 {
		c.WatchdogAlert = 3
	}
	if c.WatchdogHalt <= 0 {
		c.WatchdogHalt = 10
	}
	return c
}

// WindowAnchor formats the deduplication anchor for the window containing t.
// Duplicate runs within one window collapse on this string.
func WindowAnchor(t time.Time, windowSec int) string {
	window := time.Duration(windowSec) * time.Second
	return t.UTC().Truncate(window).Format("2006-01-02T15:04:05Z")
}

// Entity is one sweep candidate.
type Entity struct {
	Type string // "approval" or "run"
	ID   string
}

// Source discovers sweep candidates from the read models.
type Source interface {
	Workspaces(ctx context.Context) ([]string, error)
	StaleApprovals(ctx context.Context, workspaceID string, olderThan time.Time, limit int) ([]Entity, error)
	StuckRuns(ctx context.Context, workspaceID string, olderThan time.Time, limit int) ([]Entity, error)
	DemotedStaleRuns(ctx context.Context, workspaceID string, olderThan time.Time, limit int) ([]Entity, error)
}

// TickResult aggregates one tick for health recording and logs.
type TickResult struct {
	Skipped      bool
	SkipReason   string
	SweepCounts  map[string]int
	WorkspaceErr int
}

// Runtime is the cron scheduler.
type Runtime struct {
	cfg    Config
	locks  lease.LockStore
	source Source
	events eventstore.Store
	health HealthStore
	logger *slog.Logger

	holderID string
	now      func() time.Time
	jitter   func(max time.Duration) time.Duration
}

// New builds the runtime.
func New(cfg Config, locks lease.LockStore, source Source, events eventstore.Store, health HealthStore, holderID string) *Runtime {
	return &Runtime{
		cfg:      cfg.withDefaults(),
		locks:    locks,
		source:   source,
		events:   events,
		health:   health,
		logger:   slog.Default().With("component", "cron"),
		holderID: holderID,
		now:      time.Now,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// WithClock replaces the time source (tests).
func (r *Runtime) WithClock(now func() time.Time) *Runtime {
	r.now = now
	return r
}

// WithJitter replaces the jitter source (tests).
func (r *Runtime) WithJitter(j func(max time.Duration) time.Duration) *Runtime {
	r.jitter = j
	return r
}

// Run ticks until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		if _, err := r.Tick(ctx); err != nil {
			r.logger.Error("tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one heart-cron cycle: jitter, watchdog gate, leader lease,
// background heartbeat, sweeps, health bookkeeping.
func (r *Runtime) Tick(ctx context.Context) (*TickResult, error) {
	if d := r.jitter(r.cfg.JitterMax); d > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}

	failures, err := r.health.ConsecutiveFailures(ctx)
	if err != nil {
		return nil, err
	}
	if failures >= r.cfg.WatchdogHalt {
		r.logger.Warn("watchdog halt threshold reached, skipping tick", "consecutive_failures", failures)
		return &TickResult{Skipped: true, SkipReason: "watchdog_halt"}, nil
	}

	token, err := r.locks.Acquire(ctx, lockName, r.holderID, r.cfg.LockLease)
	if err != nil {
		return &TickResult{Skipped: true, SkipReason: "lock_unavailable"}, nil
	}
	defer func() {
		if err := r.locks.Release(context.WithoutCancel(ctx), lockName, token); err != nil {
			r.logger.Warn("lock release failed", "error", err)
		}
	}()

	// Background heartbeat; lockLost flips when fencing fails mid-tick and
	// every sweep loop polls it.
	var lockLost atomic.Bool
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		ticker := time.NewTicker(r.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := r.locks.Heartbeat(hbCtx, lockName, token, r.cfg.LockLease); err != nil {
					lockLost.Store(true)
					return
				}
			}
		}
	}()
	defer func() {
		stopHeartbeat()
		hbDone.Wait()
	}()

	result, tickErr := r.runSweeps(ctx, &lockLost)
	now := r.now()
	if tickErr != nil {
		failures, recErr := r.health.RecordFailure(ctx, tickErr.Error(), now)
		if recErr != nil {
			r.logger.Error("health record failed", "error", recErr)
		}
		if failures >= r.cfg.WatchdogAlert {
			r.emitWatchdogIncident(ctx, failures, now)
		}
		return result, tickErr
	}
	if err := r.health.RecordSuccess(ctx, now); err != nil {
		r.logger.Error("health record failed", "error", err)
	}
	return result, nil
}

type sweep struct {
	name       string
	category   string
	entityType string
	olderThan  time.Time
	candidates func(ctx context.Context, ws string, olderThan time.Time, limit int) ([]Entity, error)
}

func (r *Runtime) runSweeps(ctx context.Context, lockLost *atomic.Bool) (*TickResult, error) {
	now := r.now()
	sweeps := []sweep{
		{
			name: "approval_timeout", category: "cron.approval_timeout", entityType: "approval",
			olderThan: now.Add(-r.cfg.ApprovalTimeout), candidates: r.source.StaleApprovals,
		},
		{
			name: "run_stuck", category: "cron.run_stuck", entityType: "run",
			olderThan: now.Add(-r.cfg.RunStuckTimeout), candidates: r.source.StuckRuns,
		},
		{
			name: "demoted_stale", category: "cron.demoted_stale", entityType: "run",
			olderThan: now.Add(-r.cfg.DemotedStale), candidates: r.source.DemotedStaleRuns,
		},
	}

	result := &TickResult{SweepCounts: make(map[string]int)}
	var firstErr error
	for _, sw := range sweeps {
		if lockLost.Load() {
			return result, fmt.Errorf("cron: %w during sweep %s", lease.ErrLockLost, sw.name)
		}
		count, err := r.runSweep(ctx, sw, lockLost)
		result.SweepCounts[sw.name] = count
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cron: sweep %s: %w", sw.name, err)
		}
	}
	return result, firstErr
}

func (r *Runtime) runSweep(ctx context.Context, sw sweep, lockLost *atomic.Bool) (int, error) {
	workspaces, err := r.source.Workspaces(ctx)
	if err != nil {
		return 0, err
	}

	var (
		mu       sync.Mutex
		total    int
		firstErr error
	)
	sem := make(chan struct{}, r.cfg.WorkspaceConcurrency)
	var wg sync.WaitGroup
	for _, ws := range workspaces {
		if lockLost.Load() {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(ws string) {
			defer wg.Done()
			defer func() { <-sem }()
			n, err := r.sweepWorkspace(ctx, sw, ws)
			mu.Lock()
			total += n
			if err != nil && firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}(ws)
	}
	wg.Wait()
	return total, firstErr
}

func (r *Runtime) sweepWorkspace(ctx context.Context, sw sweep, workspaceID string) (int, error) {
	candidates, err := sw.candidates(ctx, workspaceID, sw.olderThan, r.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}
	anchor := WindowAnchor(r.now(), r.cfg.WindowSec)
	emitted := 0
	for _, c := range candidates {
		key := fmt.Sprintf("cron:%s:%s:%s:%s:%s", sw.name, workspaceID, c.Type, c.ID, anchor)
		_, err := r.events.Append(ctx, eventstore.Envelope{
			EventType:      contracts.EventIncidentOpened,
			WorkspaceID:    workspaceID,
			Actor:          contracts.Actor{Type: contracts.ActorService, ID: "heart-cron"},
			Stream:         eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: workspaceID},
			CorrelationID:  "cron:" + sw.name,
			IdempotencyKey: key,
			Data: map[string]any{
				"category":    sw.category,
				"entity_type": c.Type,
				"entity_id":   c.ID,
				"summary":     fmt.Sprintf("%s: %s %s overdue", sw.name, c.Type, c.ID),
			},
		})
		if err != nil {
			return emitted, err
		}
		emitted++
	}
	return emitted, nil
}

// emitWatchdogIncident is itself idempotent per window anchor.
func (r *Runtime) emitWatchdogIncident(ctx context.Context, failures int, now time.Time) {
	anchor := WindowAnchor(now, r.cfg.WindowSec)
	_, err := r.events.Append(ctx, eventstore.Envelope{
		EventType:      contracts.EventIncidentOpened,
		WorkspaceID:    "system",
		Actor:          contracts.Actor{Type: contracts.ActorService, ID: "heart-cron"},
		Stream:         eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: "system"},
		CorrelationID:  "cron:watchdog",
		IdempotencyKey: fmt.Sprintf("cron:watchdog:%s", anchor),
		Data: map[string]any{
			"category":             "cron.watchdog",
			"entity_type":          "cron",
			"entity_id":            lockName,
			"consecutive_failures": failures,
			"summary":              fmt.Sprintf("heart cron failed %d consecutive ticks", failures),
		},
	})
	if err != nil {
		r.logger.Error("watchdog incident append failed", "error", err)
	}
}
