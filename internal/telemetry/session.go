package telemetry

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type sessionKey struct{}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// WithSession returns a context carrying session id.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session id carried by ctx, or "".
func SessionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Logger returns base (or the default logger) annotated with the session id
// carried by ctx.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := SessionID(ctx); id != "" {
		return base.With("session", id)
	}
	return base
}
