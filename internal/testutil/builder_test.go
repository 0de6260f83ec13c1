package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/pipeline"
)

func TestBuilder_WithRun_Defaults(t *testing.T) {
	store := &MemoryStore{}
	NewBuilder(t, store).WithRun("run-1").Build()

	require.Len(t, store.Saved, 1)
	rec := store.Saved[0]
	require.Equal(t, "run-1", rec.Status.RunID)
	require.Equal(t, "content", rec.Status.Workflow)
	require.Equal(t, pipeline.StatusCompleted, rec.Status.Status)
	require.Equal(t, "run-1", rec.Seed[TopicField])
	require.Equal(t, 30*time.Second, rec.Status.Duration(time.Time{}))
}

func TestBuilder_WithRun_Failed(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	recs := NewBuilder(t, &MemoryStore{}).
		WithRun("run-1",
			StartedAt(start), Took(time.Minute),
			Completed(time.Second, message.StageResearcher),
			Failed(message.StageWriter, "llm", "boom")).
		Records()

	st := recs[0].Status
	require.Equal(t, pipeline.StatusFailed, st.Status)
	require.Equal(t, message.StageWriter, st.CurrentStage)
	require.Equal(t, []message.StageID{message.StageResearcher}, st.CompletedStages)
	require.Equal(t, time.Second, st.StageDurations[message.StageResearcher])
	last, ok := st.LastError()
	require.True(t, ok)
	require.Equal(t, "boom", last.Message)
	require.Equal(t, start.Add(time.Minute), last.At)
}

func TestBuilder_WithStandardRuns(t *testing.T) {
	store := &MemoryStore{}
	NewBuilder(t, store).WithStandardRuns().Build()

	require.Len(t, store.Saved, 4)
	var failed int
	for _, rec := range store.Saved {
		require.True(t, rec.Status.Status.IsTerminal())
		if rec.Status.Status == pipeline.StatusFailed {
			failed++
		}
	}
	require.Equal(t, 1, failed)
}
