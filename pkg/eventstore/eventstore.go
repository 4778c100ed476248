// Package eventstore is the single writer of the append-only event log.
//
// Append assigns each event a per-stream monotonic sequence under a head
// lock, enforces idempotency, links the hash chain, runs the DLP scanner,
// and persists atomically. Nothing else in the system writes event rows,
// and the storage layer rejects UPDATE/DELETE outright.
package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

var (
	// ErrInvalidEnvelope is returned when an append request fails schema
	// validation before touching storage.
	ErrInvalidEnvelope = errors.New("eventstore: invalid envelope")

	// ErrAppendContention is returned when the head-lock retry path still
	// collides; this indicates a contention bug, not a caller error.
	ErrAppendContention = errors.New("eventstore: persistent sequence contention")

	// ErrStreamNotFound is returned by reads of a stream with no events.
	ErrStreamNotFound = errors.New("eventstore: stream not found")
)

// StreamKey addresses a stream without a sequence.
type StreamKey struct {
	Type contracts.StreamType
	ID   string
}

// Envelope is the caller-supplied portion of an event. The store fills in
// sequence, hashes, recorded time, and redaction flags.
type Envelope struct {
	EventID          string
	EventType        string
	EventVersion     int
	OccurredAt       time.Time // zero means "now"
	WorkspaceID      string
	MissionID        string
	RoomID           string
	ThreadID         string
	RunID            string
	StepID           string
	Actor            contracts.Actor
	ActorPrincipalID string
	Zone             contracts.Zone // empty defaults to sandbox
	Stream           StreamKey
	CorrelationID    string
	CausationID      string
	PolicyContext    map[string]any
	ModelContext     map[string]any
	Display          map[string]any
	Data             map[string]any
	IdempotencyKey   string
}

// Cursor is a change-feed position: events strictly after it are returned in
// ascending (recorded_at, stream seq) order.
type Cursor struct {
	RecordedAt time.Time
	EventID    string
}

// Store is the event log contract shared by the Postgres and in-memory
// implementations.
type Store interface {
	// Append persists one event. If the envelope carries an idempotency key
	// already present on the stream, the stored event is returned and no row
	// is written (duplicate replay is a success, not an error).
	Append(ctx context.Context, env Envelope) (*contracts.Event, error)

	// ReadStream returns events on one stream with seq >= fromSeq, ascending,
	// at most limit (0 means no limit).
	ReadStream(ctx context.Context, st contracts.StreamType, id string, fromSeq int64, limit int) ([]*contracts.Event, error)

	// Subscribe returns a channel of events for one stream starting at
	// fromSeq. The channel closes when ctx is done. Restart by resubscribing
	// with a later fromSeq.
	Subscribe(ctx context.Context, st contracts.StreamType, id string, fromSeq int64) (<-chan *contracts.Event, error)

	// Changes is the global read-side feed for projectors: events recorded
	// after the cursor, ascending, at most limit.
	Changes(ctx context.Context, after Cursor, limit int) ([]*contracts.Event, error)
}

// RedactionRecord is one row in the redaction log, written alongside the
// event.redacted follow-up inside the append transaction.
type RedactionRecord struct {
	TargetEventID string
	RuleID        string
	MaskedPreview string
	RecordedAt    time.Time
}
