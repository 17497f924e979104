// Package logging is the structured logger shared by the sync engine and the
// settings server. Backends are log/slog (default) and zap.
package logging

import "context"

// Logger takes a message followed by alternating keys and values:
//
//	log.Info(ctx, "flush committed", "user_id", userID, "version", v)
//
// Pairs attached to ctx with ContextWith are included in every line.
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes args.
	With(args ...any) Logger
}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...any) {}
func (nopLogger) Info(context.Context, string, ...any)  {}
func (nopLogger) Warn(context.Context, string, ...any)  {}
func (nopLogger) Error(context.Context, string, ...any) {}
func (n nopLogger) With(...any) Logger                  { return n }
