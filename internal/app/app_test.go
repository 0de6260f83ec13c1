package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/quill/internal/config"
	"github.com/zjrosen/quill/internal/infrastructure/sqlite"
	"github.com/zjrosen/quill/internal/llm"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/pipeline"
	"github.com/zjrosen/quill/internal/research"
)

type fakeLLM struct {
	calls atomic.Int32
}

func (f *fakeLLM) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	n := f.calls.Add(1)
	return llm.Response{Content: fmt.Sprintf("# Draft %d\n\n## Intro\n\nBody text %d.", n, n)}, nil
}

type fakeResearch struct{}

func (fakeResearch) Gather(_ context.Context, topic string) (research.Research, error) {
	if topic == "nothing" {
		return research.Research{}, research.ErrNoSources
	}
	return research.Research{
		Topic:      topic,
		MainPoints: []research.KeyPoint{{Content: "A point about " + topic, Source: "https://example.com"}},
		GatheredAt: time.Now(),
	}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Publisher.OutputDir = filepath.Join(dir, "articles")
	cfg.History.Path = filepath.Join(dir, "history.db")
	cfg.Monitor.ResourceInterval = 0
	cfg.Pipeline.PollInterval = 10 * time.Millisecond
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config, gen llm.Generator) *App {
	t.Helper()
	a, err := New(cfg, Deps{LLM: gen, Research: fakeResearch{}})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestApp_GeneratePublishesAndRecordsHistory(t *testing.T) {
	cfg := testConfig(t)
	gen := &fakeLLM{}
	a := newTestApp(t, cfg, gen)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := a.Generate(ctx, []Request{
		{Topic: "Go channels"},
		{Topic: "Go generics", Style: "tutorial", Length: "short"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, r := range results {
		require.Equal(t, pipeline.StatusCompleted, r.Run.Status, "%+v", r.Run.Errors)
		require.NotEmpty(t, r.Location)
		_, err := os.Stat(r.Location)
		require.NoError(t, err)
		require.NotNil(t, r.Metrics)
		require.Equal(t, 6, len(r.Metrics.Stages))
	}
	require.Equal(t, int32(6), gen.calls.Load())

	published := a.StageHistory().Recall(ctx, message.StagePublisher, 0)
	require.Len(t, published, 2)
	require.ElementsMatch(t,
		[]string{results[0].Run.RunID, results[1].Run.RunID},
		[]string{published[0].RunID, published[1].RunID})
	require.Equal(t, 2, a.StageHistory().Summarize(ctx, message.StageWriter).Runs)

	require.Eventually(t, func() bool {
		runs, err := a.History().ListRuns(ctx, sqlite.RunFilter{})
		return err == nil && len(runs) == 2
	}, 5*time.Second, 20*time.Millisecond)

	runs, err := a.History().ListRuns(ctx, sqlite.RunFilter{Topic: "generics"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "tutorial", runs[0].Seed["style"])
	require.Len(t, runs[0].StageDurations, 6)
}

func TestApp_FailedRunIsAResult(t *testing.T) {
	a := newTestApp(t, testConfig(t), &fakeLLM{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := a.Generate(ctx, []Request{{Topic: "nothing"}})
	require.NoError(t, err)

	r := results[0]
	require.Equal(t, pipeline.StatusFailed, r.Run.Status)
	require.Empty(t, a.StageHistory().Stages(), "failed stages are not remembered")
	require.Empty(t, r.Location)
	last, ok := r.Run.LastError()
	require.True(t, ok)
	require.Equal(t, message.StageResearcher, last.Stage)
}

func TestApp_SubmitRequiresTopic(t *testing.T) {
	a := newTestApp(t, testConfig(t), &fakeLLM{})

	_, err := a.Submit(Request{Topic: "  "})
	require.Error(t, err)
}

func TestApp_HistoryDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Enabled = false
	a := newTestApp(t, cfg, &fakeLLM{})

	require.Nil(t, a.History())
	_, err := os.Stat(cfg.History.Path)
	require.True(t, os.IsNotExist(err))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Model = ""

	_, err := New(cfg, Deps{LLM: &fakeLLM{}, Research: fakeResearch{}})
	require.ErrorContains(t, err, "invalid configuration")
}

func TestNew_UnknownWorkflow(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.Workflow = "no-such-workflow"

	_, err := New(cfg, Deps{LLM: &fakeLLM{}, Research: fakeResearch{}})
	require.ErrorContains(t, err, "loading workflow")
}

func TestApp_UsageOnlyForRealClient(t *testing.T) {
	a := newTestApp(t, testConfig(t), &fakeLLM{})
	_, ok := a.Usage()
	require.False(t, ok)
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	a, err := New(testConfig(t), Deps{LLM: &fakeLLM{}, Research: fakeResearch{}})
	require.NoError(t, err)
	require.NoError(t, a.Start())

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))
}

func TestApp_AlertLogReceivesAlerts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.AlertLog = filepath.Join(t.TempDir(), "alerts", "alerts.jsonl")
	a := newTestApp(t, cfg, &fakeLLM{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := a.Generate(ctx, []Request{{Topic: "nothing"}})
	require.NoError(t, err)
	require.NoError(t, a.Monitor().Flush(ctx))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(cfg.Monitor.AlertLog)
		return err == nil && strings.Contains(string(data), `"pipeline_error"`)
	}, 5*time.Second, 20*time.Millisecond)
}
