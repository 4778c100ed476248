// Package lease implements the two lease protocols of the platform: named
// fencing-token locks used by the cron leader, and the run claim protocol
// used by external workers. Both reject writes under a stale token by
// conditional update, never by trusting the holder.
package lease

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"
)

var (
	// ErrNotAcquired is returned when a lock is live under another holder.
	ErrNotAcquired = errors.New("lease: lock held elsewhere")

	// ErrLockLost is returned when a heartbeat or release carries a token
	// that no longer matches the lock row.
	ErrLockLost = errors.New("lease: lock lost")

	// ErrLeaseLost is the run-lease variant of ErrLockLost.
	ErrLeaseLost = errors.New("lease: run lease lost")

	// ErrNoRunAvailable is returned when no queued run matches the claim.
	ErrNoRunAvailable = errors.New("lease: no queued run available")
)

// LockStore is the named-lock contract backing the cron leader election.
type LockStore interface {
	// Acquire inserts the lock or steals it if the current lease has
	// expired. Success returns a fresh fencing token.
	Acquire(ctx context.Context, lockName, holderID string, lease time.Duration) (string, error)

	// Heartbeat extends the lease, conditional on the token still matching.
	Heartbeat(ctx context.Context, lockName, lockToken string, lease time.Duration) error

	// Release deletes the lock, conditional on the token.
	Release(ctx context.Context, lockName, lockToken string) error
}

// Claim is a successful run claim.
type Claim struct {
	RunID          string    `json:"run_id"`
	ClaimToken     string    `json:"claim_token"`
	ClaimedBy      string    `json:"claimed_by_actor_id"`
	AttemptNo      int       `json:"attempt_no"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// RunLeases is the worker-facing run claim contract.
type RunLeases interface {
	// Claim picks the oldest queued run in the workspace, marks it running,
	// records a new attempt, and appends run.started.
	Claim(ctx context.Context, workspaceID, workerID string, ttl time.Duration) (*Claim, error)

	// Heartbeat extends a claim's lease; a stale token returns ErrLeaseLost.
	Heartbeat(ctx context.Context, runID, claimToken string, ttl time.Duration) (time.Time, error)

	// Release ends a claim. With terminal=true the worker has already
	// appended run.completed or run.failed; otherwise the run goes back to
	// queued for the next claimer.
	Release(ctx context.Context, runID, claimToken string, terminal bool) error
}

// AdvisoryLockKey maps a run id onto the int64 key space of session
// advisory locks, so two processes on one host cannot race on a candidate.
func AdvisoryLockKey(runID string) int64 {
	sum := sha256.Sum256([]byte("run_claim:" + runID))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
