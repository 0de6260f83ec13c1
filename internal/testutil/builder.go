package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/quill/internal/orchestration/pipeline"
)

// TopicField is the seed field the builder stores the topic under.
const TopicField = "research_topic"

// Builder accumulates terminal runs and saves them in insertion order.
type Builder struct {
	t     *testing.T
	store pipeline.RunStore
	runs  []runData
}

// NewBuilder creates a builder that saves into store.
func NewBuilder(t *testing.T, store pipeline.RunStore) *Builder {
	t.Helper()
	return &Builder{t: t, store: store}
}

// WithRun adds a run with optional configuration.
func (b *Builder) WithRun(id string, opts ...RunOption) *Builder {
	run := defaultRun(id)
	for _, opt := range opts {
		opt(&run)
	}
	b.runs = append(b.runs, run)
	return b
}

// Records returns the accumulated records without saving them.
func (b *Builder) Records() []pipeline.RunRecord {
	out := make([]pipeline.RunRecord, 0, len(b.runs))
	for _, r := range b.runs {
		out = append(out, r.record())
	}
	return out
}

// Build saves every accumulated run.
func (b *Builder) Build() {
	b.t.Helper()
	for _, rec := range b.Records() {
		require.NoError(b.t, b.store.SaveRun(context.Background(), rec), "saving %s", rec.Status.RunID)
	}
}

// MemoryStore is a RunStore that keeps records in memory.
type MemoryStore struct {
	Saved []pipeline.RunRecord
}

// SaveRun implements pipeline.RunStore.
func (m *MemoryStore) SaveRun(_ context.Context, rec pipeline.RunRecord) error {
	m.Saved = append(m.Saved, rec)
	return nil
}
