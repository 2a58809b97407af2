// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// jobIDKey is the context key for the job a log line belongs to.
type jobIDKey struct{}

// New creates a structured JSON logger writing to stdout.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// WithJobID returns a new context carrying the given job ID.
func WithJobID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// JobIDFromContext extracts the job ID from the context, if any.
func JobIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(jobIDKey{}).(uuid.UUID)
	return v, ok
}

// FromContext returns a logger with context fields (job ID, etc.) attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if id, ok := JobIDFromContext(ctx); ok {
		return base.With("job_id", id.String())
	}
	return base
}
