package api

import (
	"context"
	"log/slog"
)

// ContextHandler wraps a slog.Handler and stamps every record with the
// request_id found in the context, so handler code can log through the
// default logger without threading a request-scoped logger around.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps base in a ContextHandler.
func NewContextHandler(base slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: base}
}

// Handle adds the request_id attribute when the context carries one.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := RequestIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs preserves the wrapper around the derived handler.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup preserves the wrapper around the derived handler.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}
