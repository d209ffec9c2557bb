package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/agentguard/internal/auth"
	"github.com/triage-ai/agentguard/internal/metrics"
	"go.uber.org/zap"
)

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const principalCtxKey contextKey = iota

// principalFromContext returns the authenticated caller, or nil when service-key
// auth is disabled.
func principalFromContext(ctx context.Context) *auth.Principal {
	v, _ := ctx.Value(principalCtxKey).(*auth.Principal)
	return v
}

// --- Service-key auth ---

// serviceKeyAuth validates Bearer gsk_ keys and injects the principal into the
// request context. It is a no-op when no Authenticator is configured.
func (d *Dependencies) serviceKeyAuth(next http.HandlerFunc) http.HandlerFunc {
	if d.Auth == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := auth.ExtractBearer(r.Header.Get("Authorization"))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing or invalid Authorization header"})
			return
		}

		p, err := d.Auth.Authenticate(r.Context(), key)
		switch {
		case errors.Is(err, auth.ErrAuthUnavailable):
			d.Logger.Error("service key auth unavailable", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Authentication temporarily unavailable"})
			return
		case err != nil:
			d.Logger.Warn("auth failed", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key"})
			return
		}

		ctx := context.WithValue(r.Context(), principalCtxKey, p)
		next(w, r.WithContext(ctx))
	}
}

// --- Management guards ---

// adminAuth requires "Authorization: Bearer <AdminToken>" when a token is configured.
func (d *Dependencies) adminAuth(next http.HandlerFunc) http.HandlerFunc {
	if d.AdminToken == "" {
		return next
	}
	want := []byte(d.AdminToken)
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid admin token"})
			return
		}
		next(w, r)
	}
}

// rateLimit sheds management traffic above the configured token bucket.
func (d *Dependencies) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	if d.Limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !d.Limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, ErrorResp{Detail: "Too many requests"})
			return
		}
		next(w, r)
	}
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// --- JSON helpers ---

// maxBodyBytes bounds request bodies; evaluation payloads carry whole conversations.
const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// --- Request logging ---

// requestIDHeader is echoed back when the caller sets it, generated otherwise.
const requestIDHeader = "X-Request-ID"

func requestLogging(next http.Handler, logger *zap.Logger, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		// The mux records the matched pattern on r.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()

		logger.Info("http request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
