package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
)

// SQLLockStore is the Postgres lock store over cron_locks.
type SQLLockStore struct {
	db *sql.DB
}

// NewSQLLockStore wraps an open database handle.
func NewSQLLockStore(db *sql.DB) *SQLLockStore {
	return &SQLLockStore{db: db}
}

// Acquire implements LockStore. One statement inserts the lock or steals an
// expired lease; no row back means someone else holds it.
func (s *SQLLockStore) Acquire(ctx context.Context, lockName, holderID string, lease time.Duration) (string, error) {
	token := uuid.NewString()
	var got string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cron_locks (lock_name, holder_id, lock_token, acquired_at, expires_at, heartbeat_at)
		VALUES ($1, $2, $3, now(), now() + $4 * interval '1 millisecond', now())
		ON CONFLICT (lock_name) DO UPDATE SET
			holder_id = excluded.holder_id,
			lock_token = excluded.lock_token,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at,
			heartbeat_at = excluded.heartbeat_at
		WHERE cron_locks.expires_at < now()
		RETURNING lock_token`,
		lockName, holderID, token, lease.Milliseconds()).Scan(&got)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrNotAcquired, lockName)
	}
	if err != nil {
		return "", fmt.Errorf("lease: acquire %s: %w", lockName, err)
	}
	return got, nil
}

// Heartbeat implements LockStore.
func (s *SQLLockStore) Heartbeat(ctx context.Context, lockName, lockToken string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_locks
		SET expires_at = now() + $3 * interval '1 millisecond', heartbeat_at = now()
		WHERE lock_name = $1 AND lock_token = $2`,
		lockName, lockToken, lease.Milliseconds())
	if err != nil {
		return fmt.Errorf("lease: heartbeat %s: %w", lockName, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, lockName)
	}
	return nil
}

// Release implements LockStore.
func (s *SQLLockStore) Release(ctx context.Context, lockName, lockToken string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cron_locks WHERE lock_name = $1 AND lock_token = $2`,
		lockName, lockToken)
	if err != nil {
		return fmt.Errorf("lease: release %s: %w", lockName, err)
	}
	return nil
}

// SQLRunLeases is the Postgres run lease manager over proj_runs and
// run_attempts.
type SQLRunLeases struct {
	db     *sql.DB
	events eventstore.Store
}

// NewSQLRunLeases builds the manager. Events must be the SQL event store so
// run.started is appended in the same database.
func NewSQLRunLeases(db *sql.DB, events eventstore.Store) *SQLRunLeases {
	return &SQLRunLeases{db: db, events: events}
}

// Claim implements RunLeases. The candidate row is locked with
// SKIP LOCKED so concurrent claimers never contend on the same run, and a
// session advisory lock guards against same-host races.
func (s *SQLRunLeases) Claim(ctx context.Context, workspaceID, workerID string, ttl time.Duration) (*Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lease: claim begin: %w", err)
	}
	defer tx.Rollback()

	var runID string
	err = tx.QueryRowContext(ctx, `
		SELECT pk FROM proj_runs
		WHERE workspace_id = $1
		  AND (doc->>'status' = 'queued'
		       OR (doc->>'status' = 'running'
		           AND (doc->>'lease_expires_at')::timestamptz < now()))
		ORDER BY updated_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, workspaceID).Scan(&runID)
	if err == sql.ErrNoRows {
		return nil, ErrNoRunAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("lease: pick candidate: %w", err)
	}

	var locked bool
	if err := tx.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, AdvisoryLockKey(runID)).Scan(&locked); err != nil {
		return nil, fmt.Errorf("lease: advisory lock: %w", err)
	}
	if !locked {
		return nil, ErrNoRunAvailable
	}

	// Fence out every prior attempt before recording the new one. A takeover
	// must invalidate the superseded claim token, or the stale claimant's
	// next heartbeat would still match its old unreleased row.
	if _, err := tx.ExecContext(ctx, `
		UPDATE run_attempts SET released_at = now()
		WHERE run_id = $1 AND released_at IS NULL`, runID); err != nil {
		return nil, fmt.Errorf("lease: fence prior attempts: %w", err)
	}

	claim := &Claim{
		RunID:      runID,
		ClaimToken: uuid.NewString(),
		ClaimedBy:  workerID,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO run_attempts (run_id, attempt_no, claim_token, claimed_by_actor_id, claimed_at, lease_expires_at)
		SELECT $1, COALESCE(MAX(attempt_no), 0) + 1, $2, $3, now(), now() + $4 * interval '1 millisecond'
		FROM run_attempts WHERE run_id = $1
		RETURNING attempt_no, lease_expires_at`,
		runID, claim.ClaimToken, workerID, ttl.Milliseconds()).Scan(&claim.AttemptNo, &claim.LeaseExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("lease: record attempt: %w", err)
	}

	// The claim is visible immediately; the run.started projection catches
	// up through the change feed.
	_, err = tx.ExecContext(ctx, `
		UPDATE proj_runs
		SET doc = doc || jsonb_build_object(
			'status', 'running',
			'claim_token', $2::text,
			'claimed_by_actor_id', $3::text,
			'attempt_no', $4::int,
			'lease_expires_at', to_char((now() + $5 * interval '1 millisecond') AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"')),
		    updated_at = now()
		WHERE pk = $1`,
		runID, claim.ClaimToken, workerID, claim.AttemptNo, ttl.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("lease: mark running: %w", err)
	}

	env := eventstore.Envelope{
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
	}

	// run.started rides the claim transaction: either the attempt row and
	// the event both land, or neither does.
	if ta, ok := s.events.(txAppender); ok {
		if _, err := ta.AppendTx(ctx, tx, env); err != nil {
			return nil, fmt.Errorf("lease: append run.started: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("lease: claim commit: %w", err)
		}
		return claim, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lease: claim commit: %w", err)
	}
	if _, err := s.events.Append(ctx, env); err != nil {
		return nil, fmt.Errorf("lease: append run.started: %w", err)
	}
	return claim, nil
}

// txAppender is satisfied by the SQL event store; it lets the claim append
// its event inside the claim transaction.
type txAppender interface {
	AppendTx(ctx context.Context, tx *sql.Tx, env eventstore.Envelope) (*contracts.Event, error)
}

// Heartbeat implements RunLeases. The update is fenced by the claim token.
func (s *SQLRunLeases) Heartbeat(ctx context.Context, runID, claimToken string, ttl time.Duration) (time.Time, error) {
	var expires time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE run_attempts
		SET lease_expires_at = now() + $3 * interval '1 millisecond', heartbeat_at = now()
		WHERE run_id = $1 AND claim_token = $2 AND released_at IS NULL
		RETURNING lease_expires_at`,
		runID, claimToken, ttl.Milliseconds()).Scan(&expires)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("%w: run %s", ErrLeaseLost, runID)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("lease: heartbeat run %s: %w", runID, err)
	}
	return expires, nil
}

// Release implements RunLeases. Non-terminal releases requeue the run.
func (s *SQLRunLeases) Release(ctx context.Context, runID, claimToken string, terminal bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lease: release begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE run_attempts SET released_at = now()
		WHERE run_id = $1 AND claim_token = $2 AND released_at IS NULL`,
		runID, claimToken)
	if err != nil {
		return fmt.Errorf("lease: release run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: run %s", ErrLeaseLost, runID)
	}

	if !terminal {
		_, err = tx.ExecContext(ctx, `
			UPDATE proj_runs
			SET doc = doc || '{"status":"queued"}'::jsonb, updated_at = now()
			WHERE pk = $1 AND doc->>'status' = 'running'`, runID)
		if err != nil {
			return fmt.Errorf("lease: requeue run %s: %w", runID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lease: release commit: %w", err)
	}
	return nil
}
