// Package hashchain computes and verifies the per-stream event hash chain.
//
// Each event's hash covers a fixed subset of its envelope plus the previous
// event's hash, serialized canonically, so any stream slice can be verified
// independently of the database that stored it.
package hashchain

import (
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/pkg/canonical"
	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// hashEnvelope is the exact set of fields covered by an event hash.
// Changing this set is a wire-format break.
type hashEnvelope struct {
	EventID       string               `json:"event_id"`
	EventType     string               `json:"event_type"`
	EventVersion  int                  `json:"event_version"`
	OccurredAt    string               `json:"occurred_at"`
	WorkspaceID   string               `json:"workspace_id"`
	Stream        contracts.StreamRef  `json:"stream"`
	Actor         contracts.Actor      `json:"actor"`
	CorrelationID string               `json:"correlation_id"`
	CausationID   string               `json:"causation_id,omitempty"`
	Data          map[string]any       `json:"data"`
	PrevEventHash string               `json:"prev_event_hash,omitempty"`
}

// ComputeEventHash returns the hash for e given the previous event's hash on
// the same stream (empty for the first event of a stream).
func ComputeEventHash(e *contracts.Event, prevHash string) (string, error) {
	env := hashEnvelope{
		EventID:       e.EventID,
		EventType:     e.EventType,
		EventVersion:  e.EventVersion,
		OccurredAt:    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		WorkspaceID:   e.WorkspaceID,
		Stream:        e.Stream,
		Actor:         e.Actor,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		Data:          e.Data,
		PrevEventHash: prevHash,
	}
	return canonical.Hash(env)
}

// MismatchKind classifies a verification failure.
type MismatchKind string

const (
	PrevHashMismatch  MismatchKind = "prev_hash_mismatch"
	EventHashMismatch MismatchKind = "event_hash_mismatch"
	EventHashMissing  MismatchKind = "event_hash_missing"
)

// Mismatch reports the first broken link found in a stream slice.
type Mismatch struct {
	Kind      MismatchKind
	StreamSeq int64
	EventID   string
	Detail    string
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("hash chain %s at seq %d (%s): %s", m.Kind, m.StreamSeq, m.EventID, m.Detail)
}

// Verify recomputes every hash in events, which must be a contiguous slice of
// one stream in ascending seq order. prevHash is the hash of the event just
// before the slice (empty when the slice starts at seq 1). It returns nil if
// the chain holds, or the first Mismatch.
func Verify(events []*contracts.Event, prevHash string) *Mismatch {
	expectedPrev := prevHash
	for _, e := range events {
		if e.EventHash == "" {
			return &Mismatch{Kind: EventHashMissing, StreamSeq: e.Stream.Seq, EventID: e.EventID, Detail: "stored event has no hash"}
		}
		if e.PrevEventHash != expectedPrev {
			return &Mismatch{
				Kind: PrevHashMismatch, StreamSeq: e.Stream.Seq, EventID: e.EventID,
				Detail: fmt.Sprintf("stored prev %q, expected %q", e.PrevEventHash, expectedPrev),
			}
		}
		recomputed, err := ComputeEventHash(e, e.PrevEventHash)
		if err != nil {
			return &Mismatch{Kind: EventHashMismatch, StreamSeq: e.Stream.Seq, EventID: e.EventID, Detail: err.Error()}
		}
		if recomputed != e.EventHash {
			return &Mismatch{
				Kind: EventHashMismatch, StreamSeq: e.Stream.Seq, EventID: e.EventID,
				Detail: fmt.Sprintf("stored %q, recomputed %q", e.EventHash, recomputed),
			}
		}
		expectedPrev = e.EventHash
	}
	return nil
}
