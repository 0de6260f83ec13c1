package stages_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/quill/internal/llm"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/pipeline"
	"github.com/zjrosen/quill/internal/orchestration/workflow"
	"github.com/zjrosen/quill/internal/research"
	"github.com/zjrosen/quill/internal/stages"
)

type scriptedLLM struct {
	calls atomic.Int32
	fail  bool
}

func (s *scriptedLLM) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	n := s.calls.Add(1)
	if s.fail {
		return llm.Response{}, &llm.APIError{StatusCode: 401, Body: "bad key"}
	}
	return llm.Response{Content: fmt.Sprintf("# Pass %d\n\n## Body\n\nText for pass %d about goroutines.", n, n)}, nil
}

type staticResearch struct{}

func (staticResearch) Gather(_ context.Context, topic string) (research.Research, error) {
	return research.Research{
		Topic:      topic,
		MainPoints: []research.KeyPoint{{Content: "Goroutines are cheap.", Source: "https://go.dev"}},
		GatheredAt: time.Now(),
	}, nil
}

func startContent(t *testing.T, gen llm.Generator, dir string) *pipeline.Orchestrator {
	t.Helper()
	procs, err := stages.Build(stages.DefaultConfig(), stages.Deps{
		LLM:       gen,
		Research:  staticResearch{},
		Publisher: stages.NewFilePublisher(dir),
	})
	require.NoError(t, err)

	o, err := pipeline.New(pipeline.DefaultConfig(), workflow.Default(), procs)
	require.NoError(t, err)
	require.NoError(t, o.Start())
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o
}

func TestContentPipeline_PublishesArticle(t *testing.T) {
	dir := t.TempDir()
	gen := &scriptedLLM{}
	o := startContent(t, gen, dir)

	runID, err := o.StartRun(message.Payload{stages.FieldResearchTopic: "Go concurrency"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := o.Wait(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, st.Status, "%+v", st.Errors)
	require.Equal(t, workflow.Default().Stages(), st.CompletedStages)
	require.Equal(t, int32(3), gen.calls.Load())

	out, ok, err := o.StageOutput(runID, message.StagePublisher)
	require.NoError(t, err)
	require.True(t, ok)
	res := out[stages.FieldPublishResult].(map[string]any)

	data, err := os.ReadFile(res["location"].(string))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "---\n"))
	require.Contains(t, string(data), "# Pass 3")
}

func TestContentPipeline_PermanentLLMFailureFailsRun(t *testing.T) {
	o := startContent(t, &scriptedLLM{fail: true}, t.TempDir())

	runID, err := o.StartRun(message.Payload{stages.FieldResearchTopic: "Go"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := o.Wait(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusFailed, st.Status)
	require.Equal(t, []message.StageID{message.StageResearcher}, st.CompletedStages)
	require.NotEmpty(t, st.Errors)
	require.Equal(t, message.StageWriter, st.Errors[0].Stage)
	require.Contains(t, st.Errors[0].Message, "bad key")
}

func TestContentPipeline_MissingTopic(t *testing.T) {
	o := startContent(t, &scriptedLLM{}, t.TempDir())

	runID, err := o.StartRun(message.Payload{"subject": "Go"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := o.Wait(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusFailed, st.Status)
	require.Equal(t, "validation", st.Errors[0].Type)
}

func TestContentPipeline_RecordsStageHistory(t *testing.T) {
	history := stages.NewHistory(10, time.Hour)
	procs, err := stages.Build(stages.DefaultConfig(), stages.Deps{
		LLM:       &scriptedLLM{},
		Research:  staticResearch{},
		Publisher: stages.NewFilePublisher(t.TempDir()),
		History:   history,
	})
	require.NoError(t, err)
	o, err := pipeline.New(pipeline.DefaultConfig(), workflow.Default(), procs)
	require.NoError(t, err)
	require.NoError(t, o.Start())
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })

	runID, err := o.StartRun(message.Payload{stages.FieldResearchTopic: "Go memory model"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := o.Wait(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, st.Status, "%+v", st.Errors)

	require.ElementsMatch(t, workflow.Default().Stages(), history.Stages())
	written := history.Recall(ctx, message.StageWriter, 0)
	require.Len(t, written, 1)
	require.Equal(t, runID, written[0].RunID)
	require.NotEmpty(t, written[0].ArticleID)

	published := history.Recall(ctx, message.StagePublisher, 0)
	require.Len(t, published, 1)
	require.Equal(t, written[0].ArticleID, published[0].ArticleID, "every stage remembers the same article")
	require.Equal(t, 1, history.Summarize(ctx, message.StageEditor).Runs)
}
