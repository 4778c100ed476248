package lease

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
	"github.com/arbiterhq/arbiter/pkg/projector"
)

// MemoryLockStore is the in-memory lock store used by tests and lite mode.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]*memoryLock
	now   func() time.Time
}

type memoryLock struct {
	holderID  string
	lockToken string
	expiresAt time.Time
}

// NewMemoryLockStore creates an empty lock store.
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]*memoryLock), now: time.Now}
}

// WithClock replaces the time source (tests).
func (m *MemoryLockStore) WithClock(now func() time.Time) *MemoryLockStore {
	m.now = now
	return m
}

// Acquire implements LockStore.
func (m *MemoryLockStore) Acquire(ctx context.Context, lockName, holderID string, lease time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.locks[lockName]; ok && l.expiresAt.After(now) {
		return "", fmt.Errorf("%w: %s held by %s", ErrNotAcquired, lockName, l.holderID)
	}
	token := uuid.NewString()
	m.locks[lockName] = &memoryLock{
		holderID:  holderID,
		lockToken: token,
		expiresAt: now.Add(lease),
	}
	return token, nil
}

// Heartbeat implements LockStore.
func (m *MemoryLockStore) Heartbeat(ctx context.Context, lockName, lockToken string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[lockName]
	if !ok || l.lockToken != lockToken {
		return fmt.Errorf("%w: %s", ErrLockLost, lockName)
	}
	l.expiresAt = m.now().Add(lease)
	return nil
}

// Release implements LockStore.
func (m *MemoryLockStore) Release(ctx context.Context, lockName, lockToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[lockName]; ok && l.lockToken == lockToken {
		delete(m.locks, lockName)
	}
	return nil
}

// MemoryRunLeases is the in-memory run lease manager. Run rows live in the
// projection store; lease bookkeeping lives here.
type MemoryRunLeases struct {
	mu       sync.Mutex
	events   eventstore.Store
	models   *projector.MemoryModels
	now      func() time.Time
	leases   map[string]*memoryRunLease // run id -> live lease
	attempts map[string]int             // run id -> attempts so far
}

type memoryRunLease struct {
	claimToken string
	claimedBy  string
	expiresAt  time.Time
}

// NewMemoryRunLeases builds the in-memory manager.
func NewMemoryRunLeases(events eventstore.Store, models *projector.MemoryModels) *MemoryRunLeases {
	return &MemoryRunLeases{
		events:   events,
		models:   models,
		now:      time.Now,
		leases:   make(map[string]*memoryRunLease),
		attempts: make(map[string]int),
	}
}

// WithClock replaces the time source (tests).
func (m *MemoryRunLeases) WithClock(now func() time.Time) *MemoryRunLeases {
	m.now = now
	return m
}

// Claim implements RunLeases.
func (m *MemoryRunLeases) Claim(ctx context.Context, workspaceID, workerID string, ttl time.Duration) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	rows, err := m.models.List(ctx, projector.TableRuns)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		runID string
		at    time.Time
	}
	var candidates []candidate
	for pk, row := range rows {
		if ws, _ := row["workspace_id"].(string); ws != workspaceID {
			continue
		}
		status, _ := row["status"].(string)
		lease := m.leases[pk]
		leaseLive := lease != nil && lease.expiresAt.After(now)
		// Claimable: queued, or running under an expired lease (takeover).
		if status != string(contracts.RunQueued) && !(status == string(contracts.RunRunning) && !leaseLive) {
			continue
		}
		if leaseLive {
			continue
		}
		at, _ := row["last_event_occurred_at"].(time.Time)
		candidates = append(candidates, candidate{runID: pk, at: at})
	}
	if len(candidates) == 0 {
		return nil, ErrNoRunAvailable
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })
	runID := candidates[0].runID

	m.attempts[runID]++
	claim := &Claim{
		RunID:          runID,
		ClaimToken:     uuid.NewString(),
		ClaimedBy:      workerID,
		AttemptNo:      m.attempts[runID],
		LeaseExpiresAt: now.Add(ttl),
	}
	m.leases[runID] = &memoryRunLease{
		claimToken: claim.ClaimToken,
		claimedBy:  workerID,
		expiresAt:  claim.LeaseExpiresAt,
	}

	_, err = m.events.Append(ctx, eventstore.Envelope{
		EventType:     contracts.EventRunStarted,
		WorkspaceID:   workspaceID,
		RunID:         runID,
		Actor:         contracts.Actor{Type: contracts.ActorService, ID: workerID},
		Stream:        eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: workspaceID},
		CorrelationID: "run:" + runID,
		Data: map[string]any{
			"run_id":              runID,
			"claimed_by_actor_id": workerID,
			"attempt_no":          claim.AttemptNo,
		},
	})
	if err != nil {
		delete(m.leases, runID)
		m.attempts[runID]--
		return nil, err
	}
	return claim, nil
}

// Heartbeat implements RunLeases.
func (m *MemoryRunLeases) Heartbeat(ctx context.Context, runID, claimToken string, ttl time.Duration) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[runID]
	if !ok || l.claimToken != claimToken {
		return time.Time{}, fmt.Errorf("%w: run %s", ErrLeaseLost, runID)
	}
	l.expiresAt = m.now().Add(ttl)
	return l.expiresAt, nil
}

// Release implements RunLeases.
func (m *MemoryRunLeases) Release(ctx context.Context, runID, claimToken string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[runID]
	if !ok || l.claimToken != claimToken {
		return fmt.Errorf("%w: run %s", ErrLeaseLost, runID)
	}
	delete(m.leases, runID)
	return nil
}
