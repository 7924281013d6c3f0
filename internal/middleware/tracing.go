// Package middleware provides HTTP middleware for the chat API.
package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-ID"
	SessionIDHeader = "X-Session-ID"
	TimestampHeader = "X-Timestamp"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	sessionIDKey
)

var tracingIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// RequestIDFromContext returns the request id set by Tracing.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext returns the chat session id sent in X-Session-ID, or "".
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if !tracingIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// Tracing propagates the client's X-Request-ID (or chi's generated id, or a
// new UUID) and X-Session-ID into the request context, echoes the request id
// on the response and logs each request at debug level.
func Tracing(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeID(r.Header.Get(RequestIDHeader))
			if requestID == "" {
				requestID = chiMiddleware.GetReqID(r.Context())
			}
			if requestID == "" {
				requestID = uuid.NewString()
			}
			sessionID := sanitizeID(r.Header.Get(SessionIDHeader))

			w.Header().Set(RequestIDHeader, requestID)

			ctx := context.WithValue(r.Context(), requestIDKey, requestID)
			if sessionID != "" {
				ctx = context.WithValue(ctx, sessionIDKey, sessionID)
			}

			logger.Debug("Chat API request",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", requestID,
				"session_id", sessionID,
				"client_timestamp", r.Header.Get(TimestampHeader),
				"remote_ip", IPFromRequest(r),
			)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
