package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/approval"
	"github.com/arbiterhq/arbiter/pkg/auth"
	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/egress"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
	"github.com/arbiterhq/arbiter/pkg/lease"
	"github.com/arbiterhq/arbiter/pkg/policy"
	"github.com/arbiterhq/arbiter/pkg/projector"
	"github.com/arbiterhq/arbiter/pkg/ratelimit"
	"github.com/arbiterhq/arbiter/pkg/registry"
)

type fixture struct {
	srv    *httptest.Server
	events *eventstore.MemoryStore
	models *projector.MemoryModels
	engine *projector.Engine
	coord  *approval.Coordinator
	gate   *policy.Gate
	token  string
	cursor eventstore.Cursor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		events: eventstore.NewMemoryStore(),
		models: projector.NewMemoryModels(),
	}
	f.engine = projector.NewEngine(f.events, f.models, projector.DefaultProjectors())

	reader := approval.NewMemoryReader(f.models)
	f.coord = approval.NewCoordinator(f.events, reader)
	f.gate = policy.NewGate(policy.Config{
		Registry:  registry.Default(),
		Approvals: f.coord,
	}, f.events)

	creds := auth.NewMemoryCredentials()
	require.NoError(t, creds.Add("owner@example.com", "correct horse", "usr_1", "ws_1"))
	sessions := auth.NewSessions(auth.NewMemorySessionStore(), creds, "test-secret")

	limiter := ratelimit.NewLimiter(
		ratelimit.MessageRules(3, 100, 60, 1000, 10),
		ratelimit.NewMemoryBuckets(),
		ratelimit.NewMemoryStreaks(),
		f.events,
		ratelimit.DefaultOptions(),
	)

	server := NewServer(Options{
		Events:      f.events,
		Models:      f.models,
		Runs:        lease.NewMemoryRunLeases(f.events, f.models),
		Approvals:   f.coord,
		Reader:      reader,
		Egress:      egress.NewGateway(f.gate, f.coord, f.events, nil),
		Limiter:     limiter,
		Sessions:    sessions,
		RunLeaseTTL: time.Minute,
	})
	f.srv = httptest.NewServer(server.Handler())
	t.Cleanup(f.srv.Close)

	f.token = f.login(t, "owner@example.com", "correct horse")
	return f
}

func (f *fixture) login(t *testing.T, email, password string) string {
	t.Helper()
	status, body := f.do(t, "", http.MethodPost, "/v1/auth/login",
		map[string]any{"email": email, "password": password})
	require.Equal(t, http.StatusOK, status)
	token, _ := body["session_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func (f *fixture) do(t *testing.T, token, method, path string, payload any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func (f *fixture) project(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		batch, err := f.events.Changes(ctx, f.cursor, 100)
		require.NoError(t, err)
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			require.NoError(t, f.engine.ApplyEvent(ctx, e))
			f.cursor = eventstore.Cursor{RecordedAt: e.RecordedAt, EventID: e.EventID}
		}
	}
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, "", http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestResponseHeaders(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("x-request-id"))
	assert.NotEmpty(t, resp.Header.Get("x-correlation-id"))
}

func TestMissingTokenRejected(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, "", http.MethodPost, "/v1/runs", map[string]any{"agent_id": "agt_1"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["reason_code"])
}

func TestBadLoginRejected(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, "", http.MethodPost, "/v1/auth/login",
		map[string]any{"email": "owner@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["reason_code"])
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, f.token, http.MethodPost, "/v1/runs",
		map[string]any{"agent_id": "agt_1", "risk_tier": "low"})
	require.Equal(t, http.StatusCreated, status)
	runID, _ := body["run_id"].(string)
	require.NotEmpty(t, runID)
	f.project(t)

	status, claim := f.do(t, f.token, http.MethodPost, "/v1/runs/claim",
		map[string]any{"worker_id": "wrk_1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, runID, claim["run_id"])
	token, _ := claim["claim_token"].(string)
	require.NotEmpty(t, token)

	status, _ = f.do(t, f.token, http.MethodPost, "/v1/runs/"+runID+"/lease/heartbeat",
		map[string]any{"claim_token": token})
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, f.token, http.MethodPost, "/v1/runs/"+runID+"/complete",
		map[string]any{"claim_token": token, "result": map[string]any{"ok": true}})
	require.Equal(t, http.StatusOK, status)
	f.project(t)

	status, row := f.do(t, f.token, http.MethodGet, "/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(contracts.RunCompleted), row["status"])

	// The lease is gone; the old token is fenced out.
	status, body = f.do(t, f.token, http.MethodPost, "/v1/runs/"+runID+"/lease/heartbeat",
		map[string]any{"claim_token": token})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "lease_lost", body["reason_code"])
}

func TestClaimWithNoQueuedRuns(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, f.token, http.MethodPost, "/v1/runs/claim",
		map[string]any{"worker_id": "wrk_1"})
	assert.Equal(t, http.StatusNoContent, status)
}

func TestStaleTokenCannotComplete(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, f.token, http.MethodPost, "/v1/runs",
		map[string]any{"agent_id": "agt_1"})
	require.Equal(t, http.StatusCreated, status)
	f.project(t)

	status, claim := f.do(t, f.token, http.MethodPost, "/v1/runs/claim",
		map[string]any{"worker_id": "wrk_1"})
	require.Equal(t, http.StatusOK, status)
	runID, _ := claim["run_id"].(string)

	status, body := f.do(t, f.token, http.MethodPost, "/v1/runs/"+runID+"/complete",
		map[string]any{"claim_token": "not-the-token"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "lease_lost", body["reason_code"])
}

func TestMessagePostRateLimited(t *testing.T) {
	f := newFixture(t)
	msg := map[string]any{"thread_id": "thr_1", "text": "hello", "agent_id": "agt_1"}

	for i := 0; i < 3; i++ {
		status, _ := f.do(t, f.token, http.MethodPost, "/v1/messages", msg)
		require.Equal(t, http.StatusCreated, status)
	}

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/messages",
		bytes.NewBufferString(`{"thread_id":"thr_1","text":"hello","agent_id":"agt_1"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, contracts.ReasonRateLimited, body["reason_code"])
}

func TestEgressBlockedDomain(t *testing.T) {
	f := newFixture(t)
	f.gate.SetEgressAllowlist("ws_1", []string{"*.trusted.example"})

	status, body := f.do(t, f.token, http.MethodPost, "/v1/egress", map[string]any{
		"target_url": "https://api.example.com/v1/ping",
		"agent_id":   "agt_1",
		"zone":       string(contracts.ZoneSupervised),
	})
	assert.Equal(t, http.StatusForbidden, status)
	decision, _ := body["Decision"].(map[string]any)
	require.NotNil(t, decision)
	assert.Equal(t, contracts.ReasonEgressDomainBlocked, decision["reason_code"])
}

func TestEgressInvalidTarget(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, f.token, http.MethodPost, "/v1/egress",
		map[string]any{"target_url": "ftp://example.com"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_egress_target", body["reason_code"])
}

func TestApprovalDecideFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	approvalID, err := f.coord.Request(ctx, approval.RequestInput{
		WorkspaceID: "ws_1",
		Action:      "external.write",
		Actor:       contracts.Actor{Type: contracts.ActorAgent, ID: "agt_1"},
	})
	require.NoError(t, err)
	f.project(t)

	status, _ := f.do(t, f.token, http.MethodPost, "/v1/approvals/"+approvalID+"/decide",
		map[string]any{"decision": "approve"})
	require.Equal(t, http.StatusOK, status)
	f.project(t)

	status, rec := f.do(t, f.token, http.MethodGet, "/v1/approvals/"+approvalID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(contracts.ApprovalApproved), rec["Status"])

	// Deciding the other way on a terminal approval conflicts.
	status, body := f.do(t, f.token, http.MethodPost, "/v1/approvals/"+approvalID+"/decide",
		map[string]any{"decision": "deny"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "approval_not_open", body["reason_code"])
}

func TestStreamRead(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		status, _ := f.do(t, f.token, http.MethodPost, "/v1/messages",
			map[string]any{"thread_id": "thr_9", "text": "m", "heartbeat": true})
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := f.do(t, f.token, http.MethodGet, "/v1/streams/thread/thr_9/events?from_seq=2", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["count"])
}

func TestSessionRefreshRotates(t *testing.T) {
	f := newFixture(t)
	status, first := f.do(t, "", http.MethodPost, "/v1/auth/login",
		map[string]any{"email": "owner@example.com", "password": "correct horse"})
	require.Equal(t, http.StatusOK, status)
	refresh, _ := first["refresh_token"].(string)

	status, second := f.do(t, "", http.MethodPost, "/v1/auth/refresh",
		map[string]any{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, status)
	assert.NotEqual(t, first["session_token"], second["session_token"])

	// The consumed refresh token is dead.
	status, _ = f.do(t, "", http.MethodPost, "/v1/auth/refresh",
		map[string]any{"refresh_token": refresh})
	assert.Equal(t, http.StatusUnauthorized, status)
}
