package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/dlp"
	"github.com/arbiterhq/arbiter/pkg/hashchain"
)

// MemoryStore is the reference implementation of Store. It carries the full
// append semantics (sequencing, idempotency, hash chain, DLP follow-ups) and
// backs the engine-level test suites. There is no mutation API: entries can
// only ever be appended.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[StreamKey][]*contracts.Event
	heads     map[StreamKey]int64
	idempo    map[string]*contracts.Event // streamKey|idempotencyKey
	byID      map[string]*contracts.Event
	all       []*contracts.Event
	redaction []RedactionRecord
	scanner   *dlp.Scanner
	clock     func() time.Time
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[StreamKey][]*contracts.Event),
		heads:   make(map[StreamKey]int64),
		idempo:  make(map[string]*contracts.Event),
		byID:    make(map[string]*contracts.Event),
		scanner: dlp.NewScanner(nil),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func idempoKey(k StreamKey, idempotency string) string {
	return string(k.Type) + "|" + k.ID + "|" + idempotency
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, env Envelope) (*contracts.Event, error) {
	env, err := validateEnvelope(env)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if env.IdempotencyKey != "" {
		if existing, ok := s.idempo[idempoKey(env.Stream, env.IdempotencyKey)]; ok {
			return existing.Clone(), nil
		}
	}

	scan := s.scanner.ScanValue(env.Data)

	event, err := s.appendLocked(env, scan.ContainsSecrets)
	if err != nil {
		return nil, err
	}

	if scan.ContainsSecrets {
		if err := s.appendRedactionFollowUps(event, scan); err != nil {
			return nil, err
		}
	}
	if scan.Truncated {
		if _, err := s.appendLocked(followUp(event, contracts.EventDLPScanTruncated, map[string]any{
			"target_event_id": event.EventID,
			"match_count":     len(scan.Matches),
		}), false); err != nil {
			return nil, err
		}
	}

	return event.Clone(), nil
}

// appendLocked allocates the next sequence, links the chain, and stores the
// event. Callers hold s.mu.
func (s *MemoryStore) appendLocked(env Envelope, containsSecrets bool) (*contracts.Event, error) {
	now := s.clock().UTC()
	occurred := env.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	eventID := env.EventID
	if eventID == "" {
		eventID = uuid.New().String()
	}

	next := s.heads[env.Stream]
	if next == 0 {
		next = 1
	}

	prevHash := ""
	if existing := s.streams[env.Stream]; len(existing) > 0 {
		prevHash = existing[len(existing)-1].EventHash
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
		Stream:           contracts.StreamRef{Type: env.Stream.Type, ID: env.Stream.ID, Seq: next},
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

	s.streams[env.Stream] = append(s.streams[env.Stream], event)
	s.heads[env.Stream] = next + 1
	s.byID[event.EventID] = event
	s.all = append(s.all, event)
	if env.IdempotencyKey != "" {
		s.idempo[idempoKey(env.Stream, env.IdempotencyKey)] = event
	}
	return event, nil
}

// appendRedactionFollowUps writes the event.redacted and
// secret.leaked.detected companions plus the redaction log rows, all under
// the same lock as the triggering append.
func (s *MemoryStore) appendRedactionFollowUps(original *contracts.Event, scan dlp.Result) error {
	if _, err := s.appendLocked(followUp(original, contracts.EventEventRedacted, map[string]any{
		"target_event_id": original.EventID,
		"redaction_level": string(contracts.RedactionPartial),
		"reason":          "dlp_match",
	}), false); err != nil {
		return err
	}
	if _, err := s.appendLocked(followUp(original, contracts.EventSecretLeakDetected, map[string]any{
		"target_event_id": original.EventID,
		"rule_ids":        dlp.RuleIDs(scan.Matches),
		"masked_previews": dlp.Previews(scan.Matches),
	}), false); err != nil {
		return err
	}
	now := s.clock().UTC()
	for _, m := range scan.Matches {
		s.redaction = append(s.redaction, RedactionRecord{
			TargetEventID: original.EventID,
			RuleID:        m.RuleID,
			MaskedPreview: m.MaskedPreview,
			RecordedAt:    now,
		})
	}
	return nil
}

// followUp builds a service-actor envelope on the same stream with the
// causation chain pointing at the original event.
func followUp(original *contracts.Event, eventType string, data map[string]any) Envelope {
	return Envelope{
		EventType:     eventType,
		EventVersion:  1,
		WorkspaceID:   original.WorkspaceID,
		Actor:         contracts.Actor{Type: contracts.ActorService, ID: "event-store"},
		Zone:          contracts.ZoneSandbox,
		Stream:        StreamKey{Type: original.Stream.Type, ID: original.Stream.ID},
		CorrelationID: original.CorrelationID,
		CausationID:   original.EventID,
		Data:          data,
	}
}

// ReadStream implements Store.
func (s *MemoryStore) ReadStream(ctx context.Context, st contracts.StreamType, id string, fromSeq int64, limit int) ([]*contracts.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.streams[StreamKey{Type: st, ID: id}]
	var out []*contracts.Event
	for _, e := range events {
		if e.Stream.Seq < fromSeq {
			continue
		}
		out = append(out, e.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Subscribe implements Store with a polling loop over the stream slice.
func (s *MemoryStore) Subscribe(ctx context.Context, st contracts.StreamType, id string, fromSeq int64) (<-chan *contracts.Event, error) {
	ch := make(chan *contracts.Event)
	go func() {
		defer close(ch)
		next := fromSeq
		if next < 1 {
			next = 1
		}
		for {
			batch, _ := s.ReadStream(ctx, st, id, next, 64)
			for _, e := range batch {
				select {
				case ch <- e:
					next = e.Stream.Seq + 1
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(25 * time.Millisecond):
			}
		}
	}()
	return ch, nil
}

// Changes implements Store: the global feed ordered by (recorded_at, stream seq).
func (s *MemoryStore) Changes(ctx context.Context, after Cursor, limit int) ([]*contracts.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feed := make([]*contracts.Event, len(s.all))
	copy(feed, s.all)
	sort.SliceStable(feed, func(i, j int) bool {
		if !feed[i].RecordedAt.Equal(feed[j].RecordedAt) {
			return feed[i].RecordedAt.Before(feed[j].RecordedAt)
		}
		return feed[i].Stream.Seq < feed[j].Stream.Seq
	})

	var out []*contracts.Event
	passed := after.EventID == ""
	for _, e := range feed {
		if e.RecordedAt.Before(after.RecordedAt) {
			continue
		}
		if !passed {
			if e.EventID == after.EventID {
				passed = true
			}
			continue
		}
		out = append(out, e.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetEvent returns an event by id.
func (s *MemoryStore) GetEvent(id string) (*contracts.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// RedactionLog returns a copy of the redaction log rows.
func (s *MemoryStore) RedactionLog() []RedactionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RedactionRecord, len(s.redaction))
	copy(out, s.redaction)
	return out
}
