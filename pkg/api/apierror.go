package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/arbiterhq/arbiter/pkg/approval"
	"github.com/arbiterhq/arbiter/pkg/auth"
	"github.com/arbiterhq/arbiter/pkg/egress"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
	"github.com/arbiterhq/arbiter/pkg/lease"
	"github.com/arbiterhq/arbiter/pkg/ratelimit"
)

// errorBody is the JSON error envelope. ReasonCode is machine-readable and
// stable; Message is for humans and may change.
type errorBody struct {
	ReasonCode    string `json:"reason_code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RetryAfterSec int    `json:"retry_after_sec,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, reasonCode, message string) {
	writeJSON(w, status, errorBody{ReasonCode: reasonCode, Message: message})
}

// writeDomainError translates component errors into HTTP statuses with their
// reason codes. Anything unrecognized becomes a 500 carrying the correlation
// id so the caller can quote it back.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var limitErr *ratelimit.LimitError
	switch {
	case errors.As(err, &limitErr):
		w.Header().Set("Retry-After", strconv.Itoa(limitErr.RetryAfterSec))
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			ReasonCode:    limitErr.ReasonCode(),
			Message:       limitErr.Error(),
			RetryAfterSec: limitErr.RetryAfterSec,
		})
	case errors.Is(err, lease.ErrLeaseLost) || errors.Is(err, lease.ErrLockLost):
		writeError(w, http.StatusConflict, "lease_lost", err.Error())
	case errors.Is(err, lease.ErrNoRunAvailable):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, approval.ErrNotOpen):
		writeError(w, http.StatusConflict, "approval_not_open", err.Error())
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, egress.ErrInvalidTarget):
		writeError(w, http.StatusBadRequest, "invalid_egress_target", err.Error())
	case errors.Is(err, eventstore.ErrStreamNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, eventstore.ErrInvalidEnvelope):
		writeError(w, http.StatusBadRequest, "invalid_envelope", err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrSessionNotFound),
		errors.Is(err, auth.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials or session")
	default:
		corr := correlationID(r.Context())
		slog.Default().With("component", "api").ErrorContext(r.Context(),
			"request failed", "error", err, "correlation_id", corr, "path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			ReasonCode:    "internal_error",
			Message:       "internal error",
			CorrelationID: corr,
		})
	}
}
