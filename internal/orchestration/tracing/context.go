// Package tracing provides OpenTelemetry tracing for pipeline runs: provider
// setup, a JSONL file exporter and helpers that wrap stage processing in spans.
package tracing

import "context"

type contextKey string

const (
	runIDKey contextKey = "run_id"
	stageKey contextKey = "stage"
)

// RunIDFromContext returns the run id stored by ContextWithRun, or "".
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// StageFromContext returns the stage stored by ContextWithRun, or "".
func StageFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(stageKey).(string)
	return v
}

// ContextWithRun tags ctx with the run and stage being processed so that
// collaborators deeper in the call chain can label logs and spans.
func ContextWithRun(ctx context.Context, runID, stage string) context.Context {
	if runID != "" {
		ctx = context.WithValue(ctx, runIDKey, runID)
	}
	if stage != "" {
		ctx = context.WithValue(ctx, stageKey, stage)
	}
	return ctx
}
