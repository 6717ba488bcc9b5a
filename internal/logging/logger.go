// Package logging defines the structured logger used across simpleuser.
// The default implementation wraps log/slog.
package logging

import "context"

// Logger is a context-aware, structured logger.
//
// Variadic args are key/value pairs:
//
//	log.Warn(ctx, "clear code attempts", "email", email, "err", err)
type Logger interface {
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given pairs.
	With(args ...any) Logger
}
