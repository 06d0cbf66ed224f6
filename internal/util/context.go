package util

import (
	"context"
)

// runIDKey is the context key for the deploy run ID.
type runIDKey struct{}

// WithRunID returns a new context carrying the run ID.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run ID from ctx, or "" if not set.
func RunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}
