package logging

import (
	"context"

	"go.uber.org/zap"
)

// Context key types
type repoCtxKey struct{}
type workerCtxKey struct{}
type runCtxKey struct{}

// WithRepository attaches the repository (owner/name) to the context.
func WithRepository(ctx context.Context, repo string) context.Context {
	return context.WithValue(ctx, repoCtxKey{}, repo)
}

// WithWorker attaches the worker name (detector, branch, deploy, report).
func WithWorker(ctx context.Context, worker string) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, worker)
}

// WithRunID attaches a per-poll-cycle run id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RepositoryFromContext returns the repository, or "" if unset.
func RepositoryFromContext(ctx context.Context) string {
	v, _ := ctx.Value(repoCtxKey{}).(string)
	return v
}

// WorkerFromContext returns the worker name, or "" if unset.
func WorkerFromContext(ctx context.Context) string {
	v, _ := ctx.Value(workerCtxKey{}).(string)
	return v
}

// RunIDFromContext returns the run id, or "" if unset.
func RunIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(runCtxKey{}).(string)
	return v
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3)

	if repo := RepositoryFromContext(ctx); repo != "" {
		fields = append(fields, zap.String("repo", repo))
	}
	if worker := WorkerFromContext(ctx); worker != "" {
		fields = append(fields, zap.String("worker", worker))
	}
	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}

	return fields
}
