package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/dlp"
	"github.com/arbiterhq/arbiter/pkg/hashchain"
)

// Postgres error codes the append path treats as retryable contention.
const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
)

const eventColumns = `event_id, event_type, event_version, occurred_at, recorded_at,
	workspace_id, mission_id, room_id, thread_id, run_id, step_id,
	actor_type, actor_id, actor_principal_id, zone,
	stream_type, stream_id, stream_seq, correlation_id, causation_id,
	redaction_level, contains_secrets, policy_context, model_context, display, data,
	idempotency_key, prev_event_hash, event_hash`

// SQLStore is the Postgres-backed event store. The evt_events table carries
// an append-only trigger; any UPDATE or DELETE is rejected by the database
// regardless of what application code does.
type SQLStore struct {
	db      *sql.DB
	scanner *dlp.Scanner
	clock   func() time.Time
}

// NewSQLStore wraps an open Postgres handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, scanner: dlp.NewScanner(nil), clock: time.Now}
}

// WithClock overrides the clock for tests.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// Append implements Store. The head-lock path is retried once on a unique
// violation; a second idempotency conflict surfaces the stored event, a
// second sequence conflict is a fatal contention bug.
func (s *SQLStore) Append(ctx context.Context, env Envelope) (*contracts.Event, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		event, err := s.appendOnce(ctx, env)
		if err == nil {
			return event, nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch string(pqErr.Code) {
			case uniqueViolation, serializationFailure:
				lastErr = err
				continue
			}
		}
		return nil, err
	}
	// Persistent idempotency violation: surface the stored event.
	if env.IdempotencyKey != "" {
		if stored, err := s.findByIdempotencyKey(ctx, env.Stream, env.IdempotencyKey); err == nil && stored != nil {
			return stored, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrAppendContention, lastErr)
}

func (s *SQLStore) appendOnce(ctx context.Context, env Envelope) (*contracts.Event, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("eventstore: begin: %w", err)
	}
	event, err := s.AppendTx(ctx, tx, env)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("eventstore: commit: %w", err)
	}
	return event, nil
}

// AppendTx appends inside the caller's transaction, so a command handler can
// persist its own rows and the event atomically.
func (s *SQLStore) AppendTx(ctx context.Context, tx *sql.Tx, env Envelope) (*contracts.Event, error) {
	env, err := validateEnvelope(env)
	if err != nil {
		return nil, err
	}

	if env.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKeyTx(ctx, tx, env.Stream, env.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	scan := s.scanner.ScanValue(env.Data)

	event, err := s.insertEvent(ctx, tx, env, scan.ContainsSecrets)
	if err != nil {
		return nil, err
	}

	if scan.ContainsSecrets {
		if _, err := s.insertEvent(ctx, tx, followUp(event, contracts.EventEventRedacted, map[string]any{
			"target_event_id": event.EventID,
			"redaction_level": string(contracts.RedactionPartial),
			"reason":          "dlp_match",
		}), false); err != nil {
			return nil, err
		}
		if _, err := s.insertEvent(ctx, tx, followUp(event, contracts.EventSecretLeakDetected, map[string]any{
			"target_event_id": event.EventID,
			"rule_ids":        dlp.RuleIDs(scan.Matches),
			"masked_previews": dlp.Previews(scan.Matches),
		}), false); err != nil {
			return nil, err
		}
		for _, m := range scan.Matches {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO evt_redaction_log (target_event_id, rule_id, masked_preview, recorded_at) VALUES ($1, $2, $3, $4)`,
				event.EventID, m.RuleID, m.MaskedPreview, s.clock().UTC(),
			); err != nil {
				return nil, fmt.Errorf("eventstore: redaction log: %w", err)
			}
		}
	}
	if scan.Truncated {
		if _, err := s.insertEvent(ctx, tx, followUp(event, contracts.EventDLPScanTruncated, map[string]any{
			"target_event_id": event.EventID,
			"match_count":     len(scan.Matches),
		}), false); err != nil {
			return nil, err
		}
	}

	return event, nil
}

// insertEvent allocates the next sequence under the stream-head row lock,
// links the hash chain, and writes the event row.
func (s *SQLStore) insertEvent(ctx context.Context, tx *sql.Tx, env Envelope, containsSecrets bool) (*contracts.Event, error) {
	// Create the head lazily, then lock it.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO evt_stream_heads (stream_type, stream_id, next_seq) VALUES ($1, $2, 1)
		 ON CONFLICT (stream_type, stream_id) DO NOTHING`,
		env.Stream.Type, env.Stream.ID,
	); err != nil {
		return nil, fmt.Errorf("eventstore: ensure head: %w", err)
	}

	var nextSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_seq FROM evt_stream_heads WHERE stream_type = $1 AND stream_id = $2 FOR UPDATE`,
		env.Stream.Type, env.Stream.ID,
	).Scan(&nextSeq); err != nil {
		return nil, fmt.Errorf("eventstore: lock head: %w", err)
	}

	prevHash := ""
	if nextSeq > 1 {
		if err := tx.QueryRowContext(ctx,
			`SELECT event_hash FROM evt_events WHERE stream_type = $1 AND stream_id = $2 AND stream_seq = $3`,
			env.Stream.Type, env.Stream.ID, nextSeq-1,
		).Scan(&prevHash); err != nil {
			return nil, fmt.Errorf("eventstore: load prev hash: %w", err)
		}
	}

	now := s.clock().UTC()
	occurred := env.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	eventID := env.EventID
	if eventID == "" {
		eventID = uuid.New().String()
	}
	redaction := contracts.RedactionNone
	if containsSecrets {
		redaction = contracts.RedactionPartial
	}

	event := &contracts.Event{
		EventID:          eventID,
		EventType:        env.EventType,
		EventVersion:     env.EventVersion,
		OccurredAt:       occurred.UTC(),
		RecordedAt:       now,
		WorkspaceID:      env.WorkspaceID,
		MissionID:        env.MissionID,
		RoomID:           env.RoomID,
		ThreadID:         env.ThreadID,
		RunID:            env.RunID,
		StepID:           env.StepID,
		Actor:            env.Actor,
		ActorPrincipalID: env.ActorPrincipalID,
		Zone:             env.Zone,
		Stream:           contracts.StreamRef{Type: env.Stream.Type, ID: env.Stream.ID, Seq: nextSeq},
		CorrelationID:    env.CorrelationID,
		CausationID:      env.CausationID,
		RedactionLevel:   redaction,
		ContainsSecrets:  containsSecrets,
		PolicyContext:    env.PolicyContext,
		ModelContext:     env.ModelContext,
		Display:          env.Display,
		Data:             env.Data,
		IdempotencyKey:   env.IdempotencyKey,
		PrevEventHash:    prevHash,
	}
	hash, err := hashchain.ComputeEventHash(event, prevHash)
	if err != nil {
		return nil, fmt.Errorf("eventstore: compute hash: %w", err)
	}
	event.EventHash = hash

	policyJSON, _ := json.Marshal(event.PolicyContext)
	modelJSON, _ := json.Marshal(event.ModelContext)
	displayJSON, _ := json.Marshal(event.Display)
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("eventstore: marshal data: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO evt_events (`+eventColumns+`) VALUES
		 ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		event.EventID, event.EventType, event.EventVersion, event.OccurredAt, event.RecordedAt,
		event.WorkspaceID, nullable(event.MissionID), nullable(event.RoomID), nullable(event.ThreadID), nullable(event.RunID), nullable(event.StepID),
		event.Actor.Type, event.Actor.ID, nullable(event.ActorPrincipalID), event.Zone,
		event.Stream.Type, event.Stream.ID, event.Stream.Seq, event.CorrelationID, nullable(event.CausationID),
		event.RedactionLevel, event.ContainsSecrets, policyJSON, modelJSON, displayJSON, dataJSON,
		nullable(event.IdempotencyKey), nullable(event.PrevEventHash), event.EventHash,
	); err != nil {
		return nil, fmt.Errorf("eventstore: insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE evt_stream_heads SET next_seq = $1 WHERE stream_type = $2 AND stream_id = $3`,
		nextSeq+1, env.Stream.Type, env.Stream.ID,
	); err != nil {
		return nil, fmt.Errorf("eventstore: advance head: %w", err)
	}

	return event, nil
}

func (s *SQLStore) findByIdempotencyKey(ctx context.Context, key StreamKey, idempotency string) (*contracts.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM evt_events
		 WHERE stream_type = $1 AND stream_id = $2 AND idempotency_key = $3`,
		key.Type, key.ID, idempotency)
	return scanEvent(row)
}

func (s *SQLStore) findByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key StreamKey, idempotency string) (*contracts.Event, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM evt_events
		 WHERE stream_type = $1 AND stream_id = $2 AND idempotency_key = $3`,
		key.Type, key.ID, idempotency)
	return scanEvent(row)
}

// ReadStream implements Store.
func (s *SQLStore) ReadStream(ctx context.Context, st contracts.StreamType, id string, fromSeq int64, limit int) ([]*contracts.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM evt_events
		 WHERE stream_type = $1 AND stream_id = $2 AND stream_seq >= $3
		 ORDER BY stream_seq ASC`
	args := []any{st, id, fromSeq}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// Subscribe implements Store via polling ReadStream.
func (s *SQLStore) Subscribe(ctx context.Context, st contracts.StreamType, id string, fromSeq int64) (<-chan *contracts.Event, error) {
	ch := make(chan *contracts.Event)
	go func() {
		defer close(ch)
		next := fromSeq
		if next < 1 {
			next = 1
		}
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			batch, err := s.ReadStream(ctx, st, id, next, 128)
			if err == nil {
				for _, e := range batch {
					select {
					case ch <- e:
						next = e.Stream.Seq + 1
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, nil
}

// Changes implements Store: ascending (recorded_at, event_id) after the
// cursor. The sort key must match the cursor comparator exactly; sorting a
// recorded_at tie group by anything else lets a page boundary skip rows whose
// event_id orders below the cursor.
func (s *SQLStore) Changes(ctx context.Context, after Cursor, limit int) ([]*contracts.Event, error) {
	if limit <= 0 {
		limit = 256
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM evt_events
		 WHERE (recorded_at, event_id) > ($1, $2)
		 ORDER BY recorded_at ASC, event_id ASC
		 LIMIT $3`,
		after.RecordedAt, after.EventID, limit)
}

func (s *SQLStore) queryEvents(ctx context.Context, query string, args ...any) ([]*contracts.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*contracts.Event, error) {
	var (
		e                                                  contracts.Event
		mission, room, thread, run, step                   sql.NullString
		principal, causation, idempotency, prevHash        sql.NullString
		policyJSON, modelJSON, displayJSON, dataJSON       []byte
	)
	err := row.Scan(
		&e.EventID, &e.EventType, &e.EventVersion, &e.OccurredAt, &e.RecordedAt,
		&e.WorkspaceID, &mission, &room, &thread, &run, &step,
		&e.Actor.Type, &e.Actor.ID, &principal, &e.Zone,
		&e.Stream.Type, &e.Stream.ID, &e.Stream.Seq, &e.CorrelationID, &causation,
		&e.RedactionLevel, &e.ContainsSecrets, &policyJSON, &modelJSON, &displayJSON, &dataJSON,
		&idempotency, &prevHash, &e.EventHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: scan: %w", err)
	}
	e.MissionID, e.RoomID, e.ThreadID, e.RunID, e.StepID = mission.String, room.String, thread.String, run.String, step.String
	e.ActorPrincipalID = principal.String
	e.CausationID = causation.String
	e.IdempotencyKey = idempotency.String
	e.PrevEventHash = prevHash.String
	_ = json.Unmarshal(policyJSON, &e.PolicyContext)
	_ = json.Unmarshal(modelJSON, &e.ModelContext)
	_ = json.Unmarshal(displayJSON, &e.Display)
	if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
		return nil, fmt.Errorf("eventstore: corrupt data JSON for %s: %w", e.EventID, err)
	}
	return &e, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
