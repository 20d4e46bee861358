package logger

import (
	"context"
	"log/slog"
	"os"
)

// New returns a production-friendly structured logger.
// No business logic should depend on logging implementation details.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// ForConn derives a logger scoped to a single signaling connection. Every
// line emitted while handling that connection's events carries both ids.
func ForConn(l *slog.Logger, userID, connID string) *slog.Logger {
	return l.With("user_id", userID, "conn_id", connID)
}
