package testutil

import (
	"time"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

// WithStandardRuns adds a small history: two completed content runs, one
// run that failed at the editor and one from last week.
func (b *Builder) WithStandardRuns() *Builder {
	now := time.Now().Truncate(time.Millisecond)
	hourAgo := now.Add(-time.Hour)
	lastWeek := now.Add(-7 * 24 * time.Hour)

	all := []message.StageID{
		message.StageResearcher, message.StageWriter, message.StageEditor,
		message.StageSEO, message.StageImage, message.StagePublisher,
	}

	return b.
		WithRun("run-go",
			Topic("Go concurrency"), StartedAt(hourAgo), Took(2*time.Minute),
			Completed(10*time.Second, all...),
			Output(message.Payload{"publish_result": map[string]any{"location": "articles/go.md"}})).
		WithRun("run-rust",
			Topic("Rust lifetimes"), StartedAt(hourAgo.Add(10*time.Minute)), Took(3*time.Minute),
			Completed(20*time.Second, all...)).
		WithRun("run-failed",
			Topic("Zig comptime"), StartedAt(hourAgo.Add(20*time.Minute)), Took(15*time.Second),
			Completed(5*time.Second, message.StageResearcher, message.StageWriter),
			Failed(message.StageEditor, "llm", "llm api error 401: bad key")).
		WithRun("run-old",
			Topic("Go generics"), StartedAt(lastWeek),
			Completed(time.Second, message.StageResearcher))
}
