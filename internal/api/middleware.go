package api

import (
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/taskforge/dispatch/internal/logging"
)

// responseWriter wraps http.ResponseWriter to capture the status code for
// logging, mirroring the teacher's middleware.go responseWriter.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// loggingMiddleware logs every request's method, path, status, and
// duration, at a level chosen by the response status.
func loggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			duration := time.Since(start)

			fields := logging.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": duration.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}
			switch {
			case wrapped.statusCode >= 500:
				logger.ErrorContext(r.Context(), "request error", fields)
			case wrapped.statusCode >= 400:
				logger.WarnContext(r.Context(), "request client error", fields)
			default:
				logger.InfoContext(r.Context(), "request", fields)
			}
		})
	}
}

// recoveryMiddleware turns a panicking handler into a 500 instead of
// crashing the process, logging the panic and stack trace first.
func recoveryMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.ErrorContext(r.Context(), "handler panic recovered", logging.Fields{
						"panic": err,
						"path":  r.URL.Path,
						"stack": string(debug.Stack()),
					})
					writeError(w, http.StatusInternalServerError, "internal error", "")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// publicPaths lists the two endpoints spec.md §4.4 exempts from API-key
// authentication: the liveness probe and the Prometheus scrape endpoint.
var publicPaths = map[string]bool{
	"/api/v1/health": true,
	"/metrics":       true,
}

// authMiddleware rejects any request to a non-public path whose X-API-Key
// header does not match apiKey, using a constant-time comparison so the
// check does not leak timing information about how much of the key
// matched.
func authMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			supplied := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid API key", "Unauthenticated")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
