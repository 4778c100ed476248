package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/arbiterhq/arbiter/pkg/auth"
)

type ctxKey int

const (
	ctxRequestID ctxKey = iota
	ctxCorrelationID
	ctxWorkspaceID
)

func requestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

func correlationID(ctx context.Context) string {
	v, _ := ctx.Value(ctxCorrelationID).(string)
	return v
}

func workspaceID(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspaceID).(string)
	return v
}

// requestMeta assigns a request id, threads the correlation id, and stamps
// both plus the workspace id on every response. An inbound x-correlation-id
// is honoured as-is; the workspace header is resolved against the principal
// later, in withAuth.
func requestMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := "req_" + uuid.NewString()
		corr := r.Header.Get("x-correlation-id")
		if corr == "" {
			corr = reqID
		}
		ctx := context.WithValue(r.Context(), ctxRequestID, reqID)
		ctx = context.WithValue(ctx, ctxCorrelationID, corr)

		w.Header().Set("x-request-id", reqID)
		w.Header().Set("x-correlation-id", corr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverPanics turns handler panics into 500s that carry the correlation id.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Default().With("component", "api").ErrorContext(r.Context(),
					"handler panic", "panic", rec, "path", r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, errorBody{
					ReasonCode:    "internal_error",
					Message:       "internal error",
					CorrelationID: correlationID(r.Context()),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// publicPaths are reachable without a bearer token.
var publicPaths = map[string]bool{
	"/healthz":         true,
	"/v1/auth/login":   true,
	"/v1/auth/refresh": true,
}

// withAuth resolves the bearer token to a principal (session first, JWT
// fallback) and binds the effective workspace: the x-workspace-id header when
// the principal is authorized for it, otherwise the principal's own. Fails
// closed on everything else.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(raw, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		token := strings.TrimPrefix(raw, "Bearer ")

		principal, err := s.sessions.Resolve(r.Context(), token)
		if err != nil && s.jwt != nil {
			principal, err = s.jwt.Validate(token)
		}
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		ws := principal.WorkspaceID
		if hdr := r.Header.Get("x-workspace-id"); hdr != "" {
			if !principal.AuthorizedForWorkspace(hdr) {
				writeError(w, http.StatusForbidden, "workspace_forbidden", "principal not authorized for workspace")
				return
			}
			ws = hdr
		}

		ctx := auth.WithPrincipal(r.Context(), principal)
		ctx = context.WithValue(ctx, ctxWorkspaceID, ws)
		w.Header().Set("x-workspace-id", ws)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ipLimiter throttles by client IP with a token bucket per visitor. Stale
// visitors are dropped by a background sweep so the map stays bounded.
type ipLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	l := &ipLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go l.cleanup()
	return l
}

func (l *ipLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for ip, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.allow(ip) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
