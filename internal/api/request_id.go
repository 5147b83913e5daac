package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// requestIDHeader carries the request ID in and out. X-Request-ID is what
// the usual proxies and tracing tools already propagate.
const requestIDHeader = "X-Request-ID"

// requestIDKey keys the request ID in the context. Unexported so callers go
// through the accessors.
type requestIDKey struct{}

// RequestIDFromContext returns the request ID, or "" when none is set.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID stores a request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID reuses an incoming X-Request-ID or mints a UUID, echoes it on
// the response, and puts it plus a request-scoped logger into the context.
// Mount it before auth and the handlers so every log line of a request
// carries the same id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		ctx := ContextWithRequestID(r.Context(), id)
		ctx = contextWithLogger(ctx, slog.Default().With("request_id", id))

		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggerKey keys the request-scoped logger in the context.
type loggerKey struct{}

func contextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the request-scoped logger, falling back to
// slog.Default when the middleware didn't run.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
