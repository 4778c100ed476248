// Package evidence turns stream slices into verifiable manifests. A
// manifest records the verified chain head of a slice; the archiver ships
// the manifest JSON to content-addressed object storage so an auditor can
// check the chain without database access.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/pkg/canonical"
	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
	"github.com/arbiterhq/arbiter/pkg/hashchain"
)

// ErrEmptySlice is returned when the requested slice holds no events.
var ErrEmptySlice = errors.New("evidence: empty stream slice")

// ChainError wraps a hash chain mismatch found during finalization.
type ChainError struct {
	Mismatch *hashchain.Mismatch
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("evidence: chain verification failed: %v", e.Mismatch)
}

// Manifest is the finalized, verifiable summary of one stream slice.
type Manifest struct {
	ManifestID         string               `json:"manifest_id"`
	WorkspaceID        string               `json:"workspace_id"`
	StreamType         contracts.StreamType `json:"stream_type"`
	StreamID           string               `json:"stream_id"`
	FromSeq            int64                `json:"from_seq"`
	VerifiedThroughSeq int64                `json:"verified_through_seq"`
	EventCount         int                  `json:"event_count"`
	HeadHash           string               `json:"head_hash"`
	FinalizedAt        time.Time            `json:"finalized_at"`
	ManifestHash       string               `json:"manifest_hash,omitempty"`
}

// Finalizer verifies a slice and produces its manifest.
type Finalizer struct {
	events eventstore.Store
	now    func() time.Time
}

// NewFinalizer wraps the event store.
func NewFinalizer(events eventstore.Store) *Finalizer {
	return &Finalizer{events: events, now: time.Now}
}

// WithClock replaces the time source (tests).
func (f *Finalizer) WithClock(now func() time.Time) *Finalizer {
	f.now = now
	return f
}

// Finalize reads [fromSeq, toSeq] (toSeq 0 means "through the head"),
// verifies the hash chain, and appends evidence.manifest.finalized. The
// append is keyed on the verified range, so re-finalizing the same slice
// replays the original event.
func (f *Finalizer) Finalize(ctx context.Context, workspaceID string, st contracts.StreamType, streamID string, fromSeq, toSeq int64) (*Manifest, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	limit := 0
	if toSeq >= fromSeq {
		limit = int(toSeq - fromSeq + 1)
	}
	slice, err := f.events.ReadStream(ctx, st, streamID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("evidence: read slice: %w", err)
	}
	if len(slice) == 0 {
		return nil, ErrEmptySlice
	}

	// Anchor the chain: the hash of the event just before the slice, empty
	// for a slice starting at the stream origin.
	prevHash := ""
	if fromSeq > 1 {
		anchor, err := f.events.ReadStream(ctx, st, streamID, fromSeq-1, 1)
		if err != nil {
			return nil, fmt.Errorf("evidence: read anchor: %w", err)
		}
		if len(anchor) == 0 {
			return nil, fmt.Errorf("evidence: missing anchor event at seq %d", fromSeq-1)
		}
		prevHash = anchor[0].EventHash
	}

	if mismatch := hashchain.Verify(slice, prevHash); mismatch != nil {
		return nil, &ChainError{Mismatch: mismatch}
	}

	head := slice[len(slice)-1]
	m := &Manifest{
		WorkspaceID:        workspaceID,
		StreamType:         st,
		StreamID:           streamID,
		FromSeq:            fromSeq,
		VerifiedThroughSeq: head.Stream.Seq,
		EventCount:         len(slice),
		HeadHash:           head.EventHash,
		FinalizedAt:        f.now().UTC(),
	}
	m.ManifestID = fmt.Sprintf("evm_%s_%s_%d_%d", st, streamID, fromSeq, m.VerifiedThroughSeq)
	hash, err := canonical.Hash(m)
	if err != nil {
		return nil, fmt.Errorf("evidence: manifest hash: %w", err)
	}
	m.ManifestHash = hash

	_, err = f.events.Append(ctx, eventstore.Envelope{
		EventType:      contracts.EventEvidenceManifestFinalized,
		WorkspaceID:    workspaceID,
		Actor:          contracts.Actor{Type: contracts.ActorService, ID: "evidence"},
		Stream:         eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: workspaceID},
		CorrelationID:  "evidence:" + m.ManifestID,
		IdempotencyKey: "evidence:" + m.ManifestID,
		Data: map[string]any{
			"manifest_id":          m.ManifestID,
			"stream_type":          string(st),
			"stream_id":            streamID,
			"from_seq":             fromSeq,
			"verified_through_seq": m.VerifiedThroughSeq,
			"head_hash":            m.HeadHash,
			"manifest_hash":        m.ManifestHash,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("evidence: record manifest: %w", err)
	}
	return m, nil
}
