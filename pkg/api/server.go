// Package api is the HTTP boundary of the control plane. Handlers translate
// requests into component calls and component errors into reason-coded JSON;
// every response carries x-request-id, x-correlation-id, and x-workspace-id.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/pkg/approval"
	"github.com/arbiterhq/arbiter/pkg/auth"
	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/egress"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
	"github.com/arbiterhq/arbiter/pkg/lease"
	"github.com/arbiterhq/arbiter/pkg/projector"
	"github.com/arbiterhq/arbiter/pkg/ratelimit"
)

// Options wires the server's collaborators. Everything is required except
// JWT (session-only deployments) and Limiter (no message throttling).
type Options struct {
	Events    eventstore.Store
	Models    projector.ReadModels
	Runs      lease.RunLeases
	Approvals *approval.Coordinator
	Reader    approval.Reader
	Egress    *egress.Gateway
	Limiter   *ratelimit.Limiter
	Sessions  *auth.Sessions
	JWT       *auth.JWTManager

	RunLeaseTTL  time.Duration
	IPRatePerSec float64
	IPBurst      int
}

// Server is the HTTP boundary.
type Server struct {
	events    eventstore.Store
	models    projector.ReadModels
	runs      lease.RunLeases
	approvals *approval.Coordinator
	reader    approval.Reader
	egress    *egress.Gateway
	limiter   *ratelimit.Limiter
	sessions  *auth.Sessions
	jwt       *auth.JWTManager

	runLeaseTTL time.Duration
	ipLimiter   *ipLimiter
	logger      *slog.Logger
}

// NewServer builds the server.
func NewServer(opts Options) *Server {
	if opts.RunLeaseTTL <= 0 {
		opts.RunLeaseTTL = 60 * time.Second
	}
	if opts.IPRatePerSec <= 0 {
		opts.IPRatePerSec = 50
	}
	if opts.IPBurst <= 0 {
		opts.IPBurst = 100
	}
	return &Server{
		events:      opts.Events,
		models:      opts.Models,
		runs:        opts.Runs,
		approvals:   opts.Approvals,
		reader:      opts.Reader,
		egress:      opts.Egress,
		limiter:     opts.Limiter,
		sessions:    opts.Sessions,
		jwt:         opts.JWT,
		runLeaseTTL: opts.RunLeaseTTL,
		ipLimiter:   newIPLimiter(opts.IPRatePerSec, opts.IPBurst),
		logger:      slog.Default().With("component", "api"),
	}
}

// Handler returns the routed handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /v1/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/auth/logout", s.handleLogout)

	mux.HandleFunc("POST /v1/runs", s.handleRunCreate)
	mux.HandleFunc("POST /v1/runs/claim", s.handleRunClaim)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleRunGet)
	mux.HandleFunc("POST /v1/runs/{id}/complete", s.handleRunComplete)
	mux.HandleFunc("POST /v1/runs/{id}/fail", s.handleRunFail)
	mux.HandleFunc("POST /v1/runs/{id}/lease/heartbeat", s.handleRunHeartbeat)
	mux.HandleFunc("POST /v1/runs/{id}/lease/release", s.handleRunRelease)

	mux.HandleFunc("GET /v1/approvals/{id}", s.handleApprovalGet)
	mux.HandleFunc("POST /v1/approvals/{id}/decide", s.handleApprovalDecide)

	mux.HandleFunc("POST /v1/egress", s.handleEgress)
	mux.HandleFunc("POST /v1/messages", s.handleMessagePost)

	mux.HandleFunc("GET /v1/streams/{type}/{id}/events", s.handleStreamRead)

	var h http.Handler = mux
	h = s.withAuth(h)
	h = s.ipLimiter.middleware(h)
	h = recoverPanics(h)
	h = requestMeta(h)
	return h
}

func decode(r *http.Request, v any) bool {
	return json.NewDecoder(r.Body).Decode(v) == nil
}

// actorFrom derives the event actor from the resolved principal.
func actorFrom(r *http.Request) (contracts.Actor, string) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		return contracts.Actor{Type: contracts.ActorService, ID: "api"}, ""
	}
	at := contracts.ActorUser
	switch p.Kind {
	case "service":
		at = contracts.ActorService
	case "agent":
		at = contracts.ActorAgent
	}
	return contracts.Actor{Type: at, ID: p.ID}, p.ID
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(r, &in) || in.Email == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password required")
		return
	}
	pair, err := s.sessions.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_token": pair.SessionToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.ExpiresAt,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(r, &in) || in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token required")
		return
	}
	pair, err := s.sessions.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_token": pair.SessionToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SessionToken string `json:"session_token"`
	}
	if !decode(r, &in) || in.SessionToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_token required")
		return
	}
	if err := s.sessions.Logout(r.Context(), in.SessionToken); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunCreate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RunID          string `json:"run_id"`
		AgentID        string `json:"agent_id"`
		RiskTier       string `json:"risk_tier"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if !decode(r, &in) || in.AgentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id required")
		return
	}
	if in.RunID == "" {
		in.RunID = "run_" + uuid.NewString()
	}
	ws := workspaceID(r.Context())
	actor, principalID := actorFrom(r)

	e, err := s.events.Append(r.Context(), eventstore.Envelope{
		EventType:        contracts.EventRunCreated,
		WorkspaceID:      ws,
		RunID:            in.RunID,
		Actor:            actor,
		ActorPrincipalID: principalID,
		Stream:           eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: ws},
		CorrelationID:    correlationID(r.Context()),
		IdempotencyKey:   in.IdempotencyKey,
		Data: map[string]any{
			"run_id":    in.RunID,
			"agent_id":  in.AgentID,
			"risk_tier": in.RiskTier,
		},
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"run_id":   e.RunID,
		"event_id": e.EventID,
		"status":   string(contracts.RunQueued),
	})
}

func (s *Server) handleRunClaim(w http.ResponseWriter, r *http.Request) {
	var in struct {
		WorkerID    string `json:"worker_id"`
		LeaseTTLSec int    `json:"lease_ttl_sec"`
	}
	if !decode(r, &in) || in.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "worker_id required")
		return
	}
	ttl := s.runLeaseTTL
	if in.LeaseTTLSec > 0 {
		ttl = time.Duration(in.LeaseTTLSec) * time.Second
	}
	claim, err := s.runs.Claim(r.Context(), workspaceID(r.Context()), in.WorkerID, ttl)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	row, ok, err := s.models.Get(r.Context(), projector.TableRuns, runID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// handleRunComplete records the terminal event first and only then clears
// the lease, so a crash between the two leaves a completed run with a
// harmless expiring lease rather than a lost result.
func (s *Server) handleRunComplete(w http.ResponseWriter, r *http.Request) {
	s.finishRun(w, r, contracts.EventRunCompleted)
}

func (s *Server) handleRunFail(w http.ResponseWriter, r *http.Request) {
	s.finishRun(w, r, contracts.EventRunFailed)
}

func (s *Server) finishRun(w http.ResponseWriter, r *http.Request, eventType string) {
	runID := r.PathValue("id")
	var in struct {
		ClaimToken string         `json:"claim_token"`
		ErrorCode  string         `json:"error_code"`
		ErrorKind  string         `json:"error_kind"`
		Result     map[string]any `json:"result"`
	}
	if !decode(r, &in) || in.ClaimToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "claim_token required")
		return
	}
	// Fence before writing: a stale token must not produce a terminal event.
	if _, err := s.runs.Heartbeat(r.Context(), runID, in.ClaimToken, s.runLeaseTTL); err != nil {
		writeDomainError(w, r, err)
		return
	}

	ws := workspaceID(r.Context())
	actor, principalID := actorFrom(r)
	data := map[string]any{"run_id": runID}
	if eventType == contracts.EventRunFailed {
		data["error_code"] = in.ErrorCode
		data["error_kind"] = in.ErrorKind
	}
	if in.Result != nil {
		data["result"] = in.Result
	}

	e, err := s.events.Append(r.Context(), eventstore.Envelope{
		EventType:        eventType,
		WorkspaceID:      ws,
		RunID:            runID,
		Actor:            actor,
		ActorPrincipalID: principalID,
		Stream:           eventstore.StreamKey{Type: contracts.StreamWorkspace, ID: ws},
		CorrelationID:    "run:" + runID,
		IdempotencyKey:   eventType + ":" + runID + ":" + in.ClaimToken,
		Data:             data,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := s.runs.Release(r.Context(), runID, in.ClaimToken, true); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "event_id": e.EventID})
}

func (s *Server) handleRunHeartbeat(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var in struct {
		ClaimToken  string `json:"claim_token"`
		LeaseTTLSec int    `json:"lease_ttl_sec"`
	}
	if !decode(r, &in) || in.ClaimToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "claim_token required")
		return
	}
	ttl := s.runLeaseTTL
	if in.LeaseTTLSec > 0 {
		ttl = time.Duration(in.LeaseTTLSec) * time.Second
	}
	expires, err := s.runs.Heartbeat(r.Context(), runID, in.ClaimToken, ttl)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lease_expires_at": expires})
}

func (s *Server) handleRunRelease(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var in struct {
		ClaimToken string `json:"claim_token"`
	}
	if !decode(r, &in) || in.ClaimToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "claim_token required")
		return
	}
	if err := s.runs.Release(r.Context(), runID, in.ClaimToken, false); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.reader.Get(r.Context(), workspaceID(r.Context()), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleApprovalDecide(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Decision string `json:"decision"`
	}
	if !decode(r, &in) {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}
	var verb approval.DecisionVerb
	switch in.Decision {
	case "approve":
		verb = approval.Approve
	case "deny":
		verb = approval.Deny
	case "hold":
		verb = approval.Hold
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "decision must be approve, deny, or hold")
		return
	}
	_, principalID := actorFrom(r)
	err := s.approvals.Decide(r.Context(), workspaceID(r.Context()), r.PathValue("id"), verb, principalID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"decision": in.Decision})
}

func (s *Server) handleEgress(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TargetURL string         `json:"target_url"`
		Method    string         `json:"method"`
		Action    string         `json:"action"`
		AgentID   string         `json:"agent_id"`
		Zone      string         `json:"zone"`
		TokenID   string         `json:"capability_token_id"`
		Context   map[string]any `json:"context"`
	}
	if !decode(r, &in) || in.TargetURL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "target_url required")
		return
	}
	if in.Action == "" {
		in.Action = "egress.http"
	}
	actor, principalID := actorFrom(r)
	if in.AgentID != "" {
		actor = contracts.Actor{Type: contracts.ActorAgent, ID: in.AgentID}
	}
	res, err := s.egress.Request(r.Context(), egress.Request{
		WorkspaceID:   workspaceID(r.Context()),
		Action:        in.Action,
		TargetURL:     in.TargetURL,
		Method:        in.Method,
		Actor:         actor,
		PrincipalID:   principalID,
		TokenID:       in.TokenID,
		Zone:          contracts.Zone(in.Zone),
		CorrelationID: correlationID(r.Context()),
		Context:       in.Context,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Allowed() {
		status = http.StatusForbidden
	}
	writeJSON(w, status, res)
}

func (s *Server) handleMessagePost(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ThreadID     string `json:"thread_id"`
		RoomID       string `json:"room_id"`
		Text         string `json:"text"`
		AgentID      string `json:"agent_id"`
		ExperimentID string `json:"experiment_id"`
		Heartbeat    bool   `json:"heartbeat"`
	}
	if !decode(r, &in) || in.ThreadID == "" || in.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "thread_id and text required")
		return
	}
	ws := workspaceID(r.Context())
	if s.limiter != nil {
		err := s.limiter.Check(r.Context(), ratelimit.Request{
			WorkspaceID:  ws,
			AgentID:      in.AgentID,
			ExperimentID: in.ExperimentID,
			Heartbeat:    in.Heartbeat,
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	actor, principalID := actorFrom(r)
	if in.AgentID != "" {
		actor = contracts.Actor{Type: contracts.ActorAgent, ID: in.AgentID}
	}
	e, err := s.events.Append(r.Context(), eventstore.Envelope{
		EventType:        contracts.EventMessageCreated,
		WorkspaceID:      ws,
		RoomID:           in.RoomID,
		ThreadID:         in.ThreadID,
		Actor:            actor,
		ActorPrincipalID: principalID,
		Stream:           eventstore.StreamKey{Type: contracts.StreamThread, ID: in.ThreadID},
		CorrelationID:    correlationID(r.Context()),
		Data:             messageData(in.Text, in.ExperimentID, in.Heartbeat),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"event_id":         e.EventID,
		"stream_seq":       e.Stream.Seq,
		"contains_secrets": e.ContainsSecrets,
	})
}

func messageData(text, experimentID string, heartbeat bool) map[string]any {
	data := map[string]any{"text": text, "heartbeat": heartbeat}
	if experimentID != "" {
		data["experiment_id"] = experimentID
	}
	return data
}

func (s *Server) handleStreamRead(w http.ResponseWriter, r *http.Request) {
	st := contracts.StreamType(r.PathValue("type"))
	switch st {
	case contracts.StreamRoom, contracts.StreamThread, contracts.StreamWorkspace:
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown stream type")
		return
	}
	fromSeq := int64(1)
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "from_seq must be a positive integer")
			return
		}
		fromSeq = n
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be 1..1000")
			return
		}
		limit = n
	}
	events, err := s.events.ReadStream(r.Context(), st, r.PathValue("id"), fromSeq, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	// Redacted payloads stay redacted on the wire; the store already masked
	// them at append time.
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
