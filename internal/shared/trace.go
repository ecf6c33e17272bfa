package shared

import (
	"context"

	"github.com/google/uuid"
)

type jobIDKey struct{}
type runIDKey struct{}
type queueJobIDKey struct{}

// WithJobID attaches the governance job_id to the context.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobID extracts the job_id from context. Returns "" if absent.
func JobID(ctx context.Context) string {
	if v, ok := ctx.Value(jobIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a run_id to the context once derived.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts the run_id from context. Returns "-" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithQueueJobID attaches the ephemeral queue identifier to the context.
func WithQueueJobID(ctx context.Context, queueJobID string) context.Context {
	return context.WithValue(ctx, queueJobIDKey{}, queueJobID)
}

// QueueJobID extracts the queue job id from context. Returns "" if absent.
func QueueJobID(ctx context.Context) string {
	if v, ok := ctx.Value(queueJobIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewQueueJobID generates an ephemeral queue identifier. It is recorded in
// the manifest for audit and excluded from every hash.
func NewQueueJobID() string {
	return uuid.NewString()
}
