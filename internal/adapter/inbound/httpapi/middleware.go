package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

// RequestIDKey is the context key for the request correlation ID.
var RequestIDKey = requestIDContextKey{}

type verifiedUserContextKey struct{}

// VerifiedUserKey is the context key for the external user ID bound to
// a verified gateway API key.
var VerifiedUserKey = verifiedUserContextKey{}

// RequestIDMiddleware extracts or generates a correlation ID and
// enriches the logger. Distinct from the envelope request_id, which is
// the idempotency key.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// KeyVerifier matches a cleartext gateway key to an external user ID.
type KeyVerifier interface {
	VerifyKey(cleartext string) (string, error)
}

// APIKeyMiddleware verifies the Bearer token against the gateway key
// set and stores the bound user ID in context. When required is set,
// requests without a valid key are refused; otherwise they pass
// through unauthenticated and the envelope's external_user_id stands
// on its own.
func APIKeyMiddleware(verifier KeyVerifier, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key := strings.TrimPrefix(auth, "Bearer ")
				userID, err := verifier.VerifyKey(key)
				if err == nil {
					ctx := context.WithValue(r.Context(), VerifiedUserKey, userID)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				writeError(w, http.StatusUnauthorized, "identity.unknown", "invalid API key")
				return
			}

			if required {
				writeError(w, http.StatusUnauthorized, "identity.unknown", "missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// VerifiedUser returns the API-key-bound user ID, if any.
func VerifiedUser(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(VerifiedUserKey).(string)
	return id, ok
}

// MetricsMiddleware records request duration and outcome per endpoint.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			endpoint := endpointLabel(r.URL.Path)
			metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(endpoint, statusToLabel(wrapped.status)).Inc()
		})
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func endpointLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/tools"):
		return "tools"
	case strings.HasPrefix(path, "/v1/approvals"):
		return "approvals"
	case strings.HasPrefix(path, "/v1/audit"):
		return "audit"
	default:
		return "other"
	}
}

func statusToLabel(code int) string {
	if code >= 200 && code < 400 {
		return "ok"
	}
	return "error"
}
