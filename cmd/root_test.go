package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/quill/internal/app"
	"github.com/zjrosen/quill/internal/config"
	"github.com/zjrosen/quill/internal/llm"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/presentation"
	"github.com/zjrosen/quill/internal/research"
)

type fakeLLM struct {
	calls atomic.Int32
}

func (f *fakeLLM) Generate(_ context.Context, _ llm.Request) (llm.Response, error) {
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

// setup isolates a test in a temp working directory and home, writes a
// config file there and installs fake collaborators. It returns the config
// path.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf(`pipeline:
  workflow: content
  poll_interval: 10ms
monitor:
  resource_interval: 0s
publisher:
  output_dir: %s
history:
  enabled: true
  path: %s
`, filepath.Join(dir, "articles"), filepath.Join(dir, "history.db"))
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	deps = app.Deps{LLM: &fakeLLM{}, Research: fakeResearch{}}
	t.Cleanup(func() { deps = app.Deps{} })
	return path
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	cfg = config.Config{}
	configPath = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetFlags restores every flag to its default so that values from one
// execution do not leak into the next.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

type runOutput struct {
	Runs []presentation.RunDTO `json:"runs"`
}

func TestRun_PublishesAndRecordsHistory(t *testing.T) {
	path := setup(t)

	out, err := execute(t, "run", "--config", path, "--json", "-t", "Go channels", "Go generics")
	require.NoError(t, err)

	var got runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Runs, 2)
	for _, r := range got.Runs {
		require.Equal(t, "completed", r.Status, "%+v", r.Errors)
		require.FileExists(t, r.Location)
	}
	require.Equal(t, "Go channels", got.Runs[0].Topic)

	out, err = execute(t, "history", "--config", path, "--json")
	require.NoError(t, err)
	var runs []presentation.RunDTO
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 2)

	out, err = execute(t, "history", "--config", path, "--json", "--run", got.Runs[1].RunID)
	require.NoError(t, err)
	var one presentation.RunDTO
	require.NoError(t, json.Unmarshal([]byte(out), &one))
	require.Equal(t, "Go generics", one.Topic)
	require.Equal(t, got.Runs[1].Location, one.Location)

	out, err = execute(t, "history", "--config", path, "--json", "--run", got.Runs[1].RunID, "--render")
	require.NoError(t, err)
	var article map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &article))
	require.Equal(t, got.Runs[1].RunID, article["run_id"])
	require.Contains(t, article["markdown"], "Body text")

	out, err = execute(t, "history", "--config", path, "--run", got.Runs[1].RunID, "--render", "--width", "60")
	require.NoError(t, err)
	assert.Contains(t, out, got.Runs[1].RunID)
	assert.NotContains(t, out, "word_count:", "front matter is not rendered")

	_, err = execute(t, "history", "--config", path, "--render")
	require.ErrorContains(t, err, "--render requires --run")

	out, err = execute(t, "history", "stats", "--config", path, "--json")
	require.NoError(t, err)
	var stats []presentation.StageStatDTO
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Len(t, stats, 6)
	for _, s := range stats {
		assert.Equal(t, 2, s.Runs, s.Stage)
	}
}

func TestRun_TextOutput(t *testing.T) {
	path := setup(t)

	out, err := execute(t, "run", "--config", path, "--style", "tutorial", "Go channels")
	require.NoError(t, err)
	assert.Contains(t, out, "Go channels")
	assert.Contains(t, out, "published:")
}

func TestRun_StageHistory(t *testing.T) {
	path := setup(t)

	out, err := execute(t, "run", "--config", path, "--stage-history", "Go channels")
	require.NoError(t, err)
	assert.Contains(t, out, "INTERACTIONS")
	for _, stage := range []message.StageID{message.StageResearcher, message.StageWriter, message.StagePublisher} {
		assert.Contains(t, out, string(stage))
	}
}

func TestRun_RequiresTopic(t *testing.T) {
	path := setup(t)

	_, err := execute(t, "run", "--config", path)
	require.ErrorContains(t, err, "at least one topic")
}

func TestRun_FailedRunExitsNonZero(t *testing.T) {
	path := setup(t)

	out, err := execute(t, "run", "--config", path, "nothing")
	require.ErrorContains(t, err, "1 of 1 articles failed")
	assert.Contains(t, out, "failed at researcher:")
}

func TestRun_EnvironmentOverridesConfig(t *testing.T) {
	path := setup(t)
	t.Setenv("QUILL_PIPELINE_WORKFLOW", "no-such-workflow")

	_, err := execute(t, "run", "--config", path, "Go")
	require.ErrorContains(t, err, "loading workflow")
}

func TestRun_WorkflowFlag(t *testing.T) {
	path := setup(t)

	_, err := execute(t, "run", "--config", path, "--workflow", "no-such-workflow", "Go")
	require.ErrorContains(t, err, "loading workflow")
}

func TestHistory_Filters(t *testing.T) {
	path := setup(t)
	_, err := execute(t, "run", "--config", path, "Go channels", "nothing")
	require.Error(t, err)

	out, err := execute(t, "history", "--config", path, "--json", "--status", "failed")
	require.NoError(t, err)
	var runs []presentation.RunDTO
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	require.Equal(t, "nothing", runs[0].Topic)
	require.Equal(t, "researcher", runs[0].FailedStage)

	_, err = execute(t, "history", "--config", path, "--status", "bogus")
	require.ErrorContains(t, err, "unknown status")

	out, err = execute(t, "history", "prune", "--config", path, "--older-than", "1ns")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 2 runs")
}

func TestHistory_Disabled(t *testing.T) {
	path := setup(t)
	t.Setenv("QUILL_HISTORY_ENABLED", "false")

	_, err := execute(t, "history", "--config", path)
	require.ErrorContains(t, err, "history is disabled")
}

func TestWorkflow_ListAndShow(t *testing.T) {
	path := setup(t)

	out, err := execute(t, "workflow", "--config", path, "--json")
	require.NoError(t, err)
	var wfs []presentation.WorkflowDTO
	require.NoError(t, json.Unmarshal([]byte(out), &wfs))
	require.NotEmpty(t, wfs)

	out, err = execute(t, "workflow", "--config", path, "--json", "content")
	require.NoError(t, err)
	var wf presentation.WorkflowDTO
	require.NoError(t, json.Unmarshal([]byte(out), &wf))
	require.Equal(t, []string{"researcher", "writer", "editor", "seo", "image", "publisher"}, wf.Stages)

	_, err = execute(t, "workflow", "--config", path, "missing")
	require.Error(t, err)
}

func TestListWorkflows_IncludesUserDir(t *testing.T) {
	dir := t.TempDir()
	def := "name: short\ndescription: research then publish\nstages:\n  - id: researcher\n    next: [publisher]\n  - id: publisher\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "short.yaml"), []byte(def), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: ["), 0o600))

	wfs, err := listWorkflows(dir)
	require.NoError(t, err)
	var names []string
	for _, wf := range wfs {
		names = append(names, wf.Name())
	}
	require.Contains(t, names, "content")
	require.Contains(t, names, "short")
}

func TestThresholds_SetAndShow(t *testing.T) {
	path := setup(t)

	_, err := execute(t, "thresholds", "set", "--config", path, "--cpu", "75", "--stage", "writer=10m")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "output_dir:")
	require.Contains(t, string(data), "cpu_percent: 75")

	out, err := execute(t, "thresholds", "--config", path, "--json")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, 75.0, got["cpu_percent"])
	require.Equal(t, map[string]any{"writer": "10m0s"}, got["stages"])
	require.Equal(t, 90.0, got["memory_percent"])
}

func TestThresholds_SetRejectsInvalid(t *testing.T) {
	path := setup(t)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = execute(t, "thresholds", "set", "--config", path, "--cpu", "150")
	require.Error(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, string(before), string(after))
}

func TestParseStageLimit(t *testing.T) {
	tests := []struct {
		in      string
		stage   message.StageID
		d       time.Duration
		wantErr bool
	}{
		{in: "writer=10m", stage: message.StageWriter, d: 10 * time.Minute},
		{in: " seo = 30s ", stage: message.StageSEO, d: 30 * time.Second},
		{in: "editor=0", stage: message.StageEditor},
		{in: "writer", wantErr: true},
		{in: "=1m", wantErr: true},
		{in: "writer=soon", wantErr: true},
		{in: "writer=-1m", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			stage, d, err := parseStageLimit(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.stage, stage)
			require.Equal(t, tt.d, d)
		})
	}
}

func TestInit_WritesDefaultConfig(t *testing.T) {
	setup(t)
	path := filepath.Join(t.TempDir(), "quill.yaml")

	out, err := execute(t, "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)
	require.FileExists(t, path)

	_, err = execute(t, "init", "--config", path)
	require.ErrorContains(t, err, "already exists")

	_, err = execute(t, "init", "--config", path, "--force")
	require.NoError(t, err)
}

func TestInitConfig_SeedsLocalConfig(t *testing.T) {
	setup(t)

	_, err := execute(t, "workflow", "--json")
	require.NoError(t, err)
	require.FileExists(t, localConfigPath)
	require.True(t, strings.HasSuffix(configPath, filepath.Join(".quill", "config.yaml")))
}
