// Package logging is the structured logger used by every notebookhub
// component. The interface is context-aware so request-scoped attributes can
// be attached by handlers later without touching call sites.
package logging

import "context"

// Logger logs key-value pairs, e.g.
//
//	log.Info(ctx, "transfer started", "token", tok, "kind", kind)
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger carrying the given pairs on every record.
	With(args ...any) Logger
}
