package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/kasuganosora/ldm/pkg/types"
)

type contextKey string

const ctxKeyUser contextKey = "ldm_user"

// headerUser carries the caller identity. Authentication is handled by
// the deployment in front of this server; the header is trusted as-is.
const headerUser = "X-LDM-User"

// UserFromContext returns the identity attached by IdentityMiddleware.
func UserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(ctxKeyUser).(string)
	return user
}

// IdentityMiddleware copies the identity header into the context.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxKeyUser, r.Header.Get(headerUser))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoveryMiddleware recovers from panics and returns a 500 error
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[HTTP API] panic recovered: %v", err)
				writeJSON(w, http.StatusInternalServerError, ErrorResponse{
					Error: "internal server error",
					Kind:  string(types.KindInternal),
					Code:  http.StatusInternalServerError,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware adds CORS headers
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+headerUser)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		user := r.Header.Get(headerUser)
		if user == "" {
			user = "-"
		}
		log.Printf("[HTTP API] %s %s %s %d %s", user, r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
	})
}

// statusWriter wraps http.ResponseWriter to capture status code
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps error kinds to HTTP status codes. The kinds are the
// API contract; the numeric codes are transport glue only.
func statusFor(kind types.Kind) int {
	switch kind {
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	case types.KindLocked:
		return http.StatusLocked
	case types.KindBadFormat, types.KindOutOfRange:
		return http.StatusBadRequest
	case types.KindUnauthorized:
		return http.StatusUnauthorized
	case types.KindUnavailable:
		return http.StatusServiceUnavailable
	case types.KindCancelled:
		return http.StatusRequestTimeout
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a domain error onto the wire
func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	status := statusFor(kind)
	resp := ErrorResponse{
		Error:   err.Error(),
		Kind:    string(kind),
		Code:    status,
		Details: types.DetailOf(err),
	}
	if kind == types.KindInternal {
		// opaque to callers, correlation id in details for the logs
		log.Printf("[HTTP API] internal error: %v", err)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}
