package projector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
)

func event(id, eventType string, occurredAt time.Time, data map[string]any) *contracts.Event {
	return &contracts.Event{
		EventID:       id,
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    occurredAt,
		RecordedAt:    occurredAt,
		WorkspaceID:   "ws_1",
		Actor:         contracts.Actor{Type: contracts.ActorAgent, ID: "agent_1"},
		Stream:        contracts.StreamRef{Type: contracts.StreamWorkspace, ID: "ws_1", Seq: 1},
		CorrelationID: "corr_1",
		Data:          data,
	}
}

func newEngine(models *MemoryModels) *Engine {
	return NewEngine(eventstore.NewMemoryStore(), models, DefaultProjectors())
}

func TestApplyEvent_RunLifecycle(t *testing.T) {
	models := NewMemoryModels()
	en := newEngine(models)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	created := event("evt_1", contracts.EventRunCreated, base, map[string]any{
		"run_id": "run_1", "agent_id": "agent_1", "risk_tier": "low",
	})
	started := event("evt_2", contracts.EventRunStarted, base.Add(time.Second), map[string]any{
		"run_id": "run_1", "claimed_by_actor_id": "worker_1", "attempt_no": 1,
	})
	failed := event("evt_3", contracts.EventRunFailed, base.Add(2*time.Second), map[string]any{
		"run_id": "run_1", "error_code": "tool_timeout", "error_kind": "transient",
	})

	for _, e := range []*contracts.Event{created, started, failed} {
		require.NoError(t, en.ApplyEvent(ctx, e))
	}

	row, ok, err := models.Get(ctx, TableRuns, "run_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(contracts.RunFailed), row["status"])
	assert.Equal(t, "agent_1", row["agent_id"], "created fields survive later partial updates")
	assert.Equal(t, "worker_1", row["claimed_by_actor_id"])
	assert.Equal(t, "tool_timeout", row["error_code"])
	assert.Equal(t, "evt_3", row["last_event_id"])
}

func TestApplyEvent_OutOfOrderDropped(t *testing.T) {
	models := NewMemoryModels()
	en := newEngine(models)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	late := event("evt_2", contracts.EventRunCompleted, base.Add(time.Minute), map[string]any{"run_id": "run_1"})
	early := event("evt_1", contracts.EventRunStarted, base, map[string]any{"run_id": "run_1"})

	require.NoError(t, en.ApplyEvent(ctx, late))
	require.NoError(t, en.ApplyEvent(ctx, early))

	row, ok, err := models.Get(ctx, TableRuns, "run_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(contracts.RunCompleted), row["status"], "older event must not regress the row")
	assert.Equal(t, "evt_2", row["last_event_id"])
}

func TestApplyEvent_ReplayIsIdempotent(t *testing.T) {
	models := NewMemoryModels()
	en := newEngine(models)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	e := event("evt_1", contracts.EventRunCreated, base, map[string]any{"run_id": "run_1"})
	require.NoError(t, en.ApplyEvent(ctx, e))

	tampered := e.Clone()
	tampered.Data["run_id"] = "run_other"
	require.NoError(t, en.ApplyEvent(ctx, tampered))

	_, ok, err := models.Get(ctx, TableRuns, "run_other")
	require.NoError(t, err)
	assert.False(t, ok, "replayed event id must be skipped")
}

type failingProjector struct{ calls int }

func (f *failingProjector) Name() string              { return "flaky" }
func (f *failingProjector) Handles(string) bool       { return true }
func (f *failingProjector) Apply(ctx context.Context, e *contracts.Event, models ReadModels) error {
	f.calls++
	return errors.New("boom")
}

func TestApplyEvent_ParksAfterRetries(t *testing.T) {
	models := NewMemoryModels()
	flaky := &failingProjector{}
	en := NewEngine(eventstore.NewMemoryStore(), models, []Projector{flaky})
	en.backoffBase = time.Millisecond

	e := event("evt_1", contracts.EventRunCreated, time.Now().UTC(), map[string]any{"run_id": "run_1"})
	require.NoError(t, en.ApplyEvent(context.Background(), e))

	assert.Equal(t, 3, flaky.calls)
	dead := models.DeadLetter()
	require.Len(t, dead, 1)
	assert.Equal(t, "boom", dead["flaky|evt_1"])
}

func TestApplyEvent_ResetDeadLetterAllowsReplay(t *testing.T) {
	models := NewMemoryModels()
	flaky := &failingProjector{}
	en := NewEngine(eventstore.NewMemoryStore(), models, []Projector{flaky})
	en.backoffBase = time.Millisecond
	ctx := context.Background()

	e := event("evt_1", contracts.EventRunCreated, time.Now().UTC(), map[string]any{"run_id": "run_1"})
	require.NoError(t, en.ApplyEvent(ctx, e))
	require.Len(t, models.DeadLetter(), 1)

	models.ResetDeadLetter("flaky", "evt_1")
	require.NoError(t, en.ApplyEvent(ctx, e))
	assert.Equal(t, 6, flaky.calls, "reset makes the pair eligible again")
}

func TestApplyEvent_HooksFireAfterApply(t *testing.T) {
	models := NewMemoryModels()
	en := newEngine(models)

	var hooked []string
	en.AddHook(func(ctx context.Context, e *contracts.Event) {
		hooked = append(hooked, e.EventID)
	})

	e := event("evt_1", contracts.EventRunCreated, time.Now().UTC(), map[string]any{"run_id": "run_1"})
	require.NoError(t, en.ApplyEvent(context.Background(), e))
	assert.Equal(t, []string{"evt_1"}, hooked)
}

func TestApplyEvent_ApprovalDecision(t *testing.T) {
	models := NewMemoryModels()
	en := newEngine(models)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	requested := event("evt_1", contracts.EventApprovalRequested, base, map[string]any{
		"approval_id": "apr_1", "action": "deploy.service", "scope": "single_use",
	})
	decided := event("evt_2", contracts.EventApprovalDecided, base.Add(time.Second), map[string]any{
		"approval_id": "apr_1", "decision": "approve", "decided_by": "user_9",
	})

	require.NoError(t, en.ApplyEvent(ctx, requested))
	require.NoError(t, en.ApplyEvent(ctx, decided))

	row, ok, err := models.Get(ctx, TableApprovals, "apr_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(contracts.ApprovalApproved), row["status"])
	assert.Equal(t, "deploy.service", row["action"])
	assert.Equal(t, "user_9", row["decided_by"])
}

func TestApplyEvent_MessageOmitsFlaggedBody(t *testing.T) {
	models := NewMemoryModels()
	en := newEngine(models)
	ctx := context.Background()

	e := event("evt_1", contracts.EventMessageCreated, time.Now().UTC(), map[string]any{"text": "hello"})
	e.ThreadID = "th_1"
	e.ContainsSecrets = true
	e.RedactionLevel = contracts.RedactionPartial
	require.NoError(t, en.ApplyEvent(ctx, e))

	row, ok, err := models.Get(ctx, TableMessages, "evt_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, true, row["contains_secrets"])
	_, hasBody := row["body"]
	assert.False(t, hasBody)
}

func TestApplyEvent_EgressEventsConvergeOnRequestID(t *testing.T) {
	models := NewMemoryModels()
	en := newEngine(models)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	requested := event("evt_1", contracts.EventEgressRequested, base, map[string]any{
		"request_id": "egr_1", "domain": "api.example.com", "target_url": "https://api.example.com/x",
	})
	blocked := event("evt_2", contracts.EventEgressBlocked, base.Add(time.Second), map[string]any{
		"request_id": "egr_1", "domain": "api.example.com", "reason_code": "egress_domain_blocked",
	})

	require.NoError(t, en.ApplyEvent(ctx, requested))
	require.NoError(t, en.ApplyEvent(ctx, blocked))

	// Both events key on the gateway's request_id, so the terminal event
	// lands on the requested row rather than opening a second one.
	row, ok, err := models.Get(ctx, TableEgress, "egr_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "blocked", row["status"])
	assert.Equal(t, "egress_domain_blocked", row["reason_code"])
	assert.Equal(t, "https://api.example.com/x", row["target_url"], "requested fields survive the terminal event")

	_, ok, err = models.Get(ctx, TableEgress, "evt_2")
	require.NoError(t, err)
	assert.False(t, ok, "terminal event must not open its own row")
}

func TestApplyEvent_ArtifactVersions(t *testing.T) {
	models := NewMemoryModels()
	en := newEngine(models)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	created := event("evt_1", contracts.EventArtifactCreated, base, map[string]any{
		"artifact_id": "art_1", "name": "report.md", "media_type": "text/markdown",
		"sha256": "aaa", "size_bytes": 120,
	})
	updated := event("evt_2", contracts.EventArtifactUpdated, base.Add(time.Second), map[string]any{
		"artifact_id": "art_1", "sha256": "bbb", "size_bytes": 140, "version": 2,
	})

	require.NoError(t, en.ApplyEvent(ctx, created))
	require.NoError(t, en.ApplyEvent(ctx, updated))

	row, ok, err := models.Get(ctx, TableArtifacts, "art_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "report.md", row["name"], "name survives updates that omit it")
	assert.Equal(t, "bbb", row["sha256"])
	assert.Equal(t, 2, row["version"])
}

func TestApplyEvent_EvidenceManifest(t *testing.T) {
	models := NewMemoryModels()
	en := newEngine(models)
	ctx := context.Background()

	e := event("evt_1", contracts.EventEvidenceManifestFinalized, time.Now().UTC(), map[string]any{
		"manifest_id": "evm_thread_th_1_1_9", "stream_type": "thread", "stream_id": "th_1",
		"from_seq": int64(1), "verified_through_seq": int64(9),
		"head_hash": "abc", "manifest_hash": "def",
	})
	require.NoError(t, en.ApplyEvent(ctx, e))

	row, ok, err := models.Get(ctx, TableEvidence, "evm_thread_th_1_1_9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(9), row["verified_through_seq"])
	assert.Equal(t, "abc", row["head_hash"])
}

func TestApplyEvent_ExperimentLifecycle(t *testing.T) {
	models := NewMemoryModels()
	en := newEngine(models)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	started := event("evt_1", contracts.EventExperimentStarted, base, map[string]any{
		"experiment_id": "exp_1", "name": "cheaper model", "hypothesis": "quality holds",
	})
	completed := event("evt_2", contracts.EventExperimentCompleted, base.Add(time.Second), map[string]any{
		"experiment_id": "exp_1", "outcome": "rejected",
	})

	require.NoError(t, en.ApplyEvent(ctx, started))
	require.NoError(t, en.ApplyEvent(ctx, completed))

	row, ok, err := models.Get(ctx, TableExperiments, "exp_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "completed", row["status"])
	assert.Equal(t, "cheaper model", row["name"])
	assert.Equal(t, "rejected", row["outcome"])
}

func TestApplyEvent_SkillAssessmentStaysInLog(t *testing.T) {
	models := NewMemoryModels()
	en := newEngine(models)

	e := event("evt_1", contracts.EventAgentSkillAssessed, time.Now().UTC(), map[string]any{
		"agent_id": "agent_1", "skill": "summarize", "level": 3,
	})
	require.NoError(t, en.ApplyEvent(context.Background(), e))

	for _, table := range []string{TableRuns, TableScorecards, TableExperiments} {
		rows, err := models.List(context.Background(), table)
		require.NoError(t, err)
		assert.Empty(t, rows, "skill assessments project no rows")
	}
}

func TestRun_ConsumesFeedAndResumesFromWatermark(t *testing.T) {
	store := eventstore.NewMemoryStore()
	models := NewMemoryModels()
	en := NewEngine(store, models, DefaultProjectors()).WithPollInterval(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, eventstore.Envelope{
			EventType:     contracts.EventRunCreated,
			WorkspaceID:   "ws_1",
			Actor:         contracts.Actor{Type: contracts.ActorService, ID: "api"},
			Stream:        eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: "ws_1"},
			CorrelationID: "corr_1",
			Data:          map[string]any{"run_id": "run_1"},
		})
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		_ = en.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		cursor, err := models.GetWatermark(context.Background(), engineCursorName)
		return err == nil && cursor.EventID != ""
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	cursor, err := models.GetWatermark(context.Background(), engineCursorName)
	require.NoError(t, err)
	assert.NotEmpty(t, cursor.EventID, "feed progress must be durable across restarts")
}
