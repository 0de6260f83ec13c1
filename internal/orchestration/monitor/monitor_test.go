package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/quill/internal/orchestration/events"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/pipeline"
	"github.com/zjrosen/quill/internal/orchestration/workflow"
	"github.com/zjrosen/quill/internal/pubsub"
	"github.com/zjrosen/quill/internal/testutil"
)

func newMonitor(t *testing.T, cfg Config, opts ...Option) *Monitor {
	t.Helper()
	if cfg.ResourceInterval == 0 {
		cfg.ResourceInterval = -1 // no sampling unless asked
	}
	m := New(cfg, opts...)
	require.NoError(t, m.Start())
	t.Cleanup(m.Close)
	return m
}

func flush(t *testing.T, m *Monitor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Flush(ctx))
}

func TestMonitor_LogEventAndAlerts(t *testing.T) {
	m := newMonitor(t, Config{})

	m.LogEvent("run-1", events.Custom, "draft saved", map[string]any{"words": 900})
	m.LogEvent("run-1", events.ErrorLogged, "publisher unreachable", nil)
	m.LogEvent("run-2", events.ErrorLogged, "quota exceeded", nil)
	flush(t, m)

	evs := m.Events("run-1")
	require.Len(t, evs, 2)
	require.Equal(t, events.Custom, evs[0].Type)
	require.Equal(t, 900, evs[0].Metadata["words"])
	require.False(t, evs[0].Timestamp.IsZero())

	require.Len(t, m.Alerts("", ""), 2)
	require.Len(t, m.Alerts("run-1", ""), 1)
	require.Len(t, m.Alerts("", AlertPipelineError), 2)
	require.Empty(t, m.Alerts("run-1", AlertSlowStage))
	require.Equal(t, "publisher unreachable", m.Alerts("run-1", AlertPipelineError)[0].Message)
	require.Nil(t, m.Events("unknown"))
}

func TestMonitor_LifecycleMetrics(t *testing.T) {
	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m := New(Config{ResourceInterval: -1})
	m.Attach(broker)
	require.NoError(t, m.Start())
	t.Cleanup(m.Close)

	publish := func(e events.Event) { broker.Publish(pubsub.CreatedEvent, e) }
	publish(events.Event{Type: events.RunStarted, RunID: "r", Stage: "a", Timestamp: base})
	publish(events.Event{Type: events.StageCompleted, RunID: "r", Stage: "a", Duration: 2 * time.Second, Timestamp: base.Add(2 * time.Second)})
	publish(events.Event{Type: events.StageCompleted, RunID: "r", Stage: "b", Duration: 4 * time.Second, Timestamp: base.Add(6 * time.Second)})
	publish(events.Event{Type: events.StageFailed, RunID: "r", Stage: "c", Error: "boom", Timestamp: base.Add(7 * time.Second)})
	publish(events.Event{Type: events.RunFailed, RunID: "r", Stage: "c", Error: "boom", ErrorType: "stage", Timestamp: base.Add(7 * time.Second)})

	require.Eventually(t, func() bool {
		_ = m.Flush(context.Background())
		return len(m.Events("r")) == 5
	}, time.Second, 5*time.Millisecond)

	rm, ok := m.Metrics("r")
	require.True(t, ok)
	require.Equal(t, "failed", rm.Status)
	require.Equal(t, 7*time.Second, rm.Duration)
	require.Equal(t, 2*time.Second, rm.Stages["a"].AverageDuration)
	require.Equal(t, 1.0, rm.Stages["b"].SuccessRate)
	require.Equal(t, 0.0, rm.Stages["c"].SuccessRate)
	require.Equal(t, 1, rm.Stages["c"].Failed)

	require.Equal(t, 5, rm.Events.Total)
	require.Equal(t, 2, rm.Events.Distribution[events.StageCompleted])
	require.Equal(t, 2, rm.Events.ErrorCount)
	require.Equal(t, "boom", rm.Events.Errors[0].Description)

	require.Len(t, rm.Alerts, 1, "one pipeline_error per failed run")
	require.Equal(t, AlertPipelineError, rm.Alerts[0].Type)

	stats := m.StageStats()
	require.Equal(t, 1, stats["a"].Completed)
	require.Equal(t, 4*time.Second, stats["b"].PeakDuration)
}

func TestMonitor_SlowStageAndRecompute(t *testing.T) {
	th := DefaultThresholds()
	th.Stages = map[message.StageID]time.Duration{message.StageWriter: time.Second}
	m := newMonitor(t, Config{Thresholds: th})

	m.enqueue(events.Event{Type: events.StageCompleted, RunID: "r", Stage: message.StageWriter, Duration: 3 * time.Second})
	m.enqueue(events.Event{Type: events.StageCompleted, RunID: "r", Stage: message.StageEditor, Duration: 3 * time.Second})
	flush(t, m)

	alerts := m.Alerts("r", AlertSlowStage)
	require.Len(t, alerts, 1, "only the writer override is exceeded")
	require.Equal(t, message.StageWriter, alerts[0].Stage)
	require.Contains(t, alerts[0].Message, "writer took 3s")

	th.Stages[message.StageWriter] = 10 * time.Second
	require.NoError(t, m.SetThresholds(th))
	require.Equal(t, 10*time.Second, m.Thresholds().StageLimit(message.StageWriter))
	require.Len(t, m.Alerts("r", AlertSlowStage), 1, "existing alerts are kept until recomputed")

	require.Empty(t, m.RecomputeAlerts("r"))
	require.Empty(t, m.Alerts("r", ""))
	require.Nil(t, m.RecomputeAlerts("missing"))
}

func TestMonitor_SetThresholdsValidates(t *testing.T) {
	m := New(DefaultConfig())
	defer m.Close()

	bad := DefaultThresholds()
	bad.CPUPercent = 150
	require.Error(t, m.SetThresholds(bad))
	require.Equal(t, 90.0, m.Thresholds().CPUPercent)
}

func TestMonitor_ResourceSampling(t *testing.T) {
	sampler := SamplerFunc(func(context.Context) (events.Resources, error) {
		return events.Resources{CPUPercent: 95, MemoryPercent: 40, Goroutines: 12}, nil
	})
	m := newMonitor(t, Config{ResourceInterval: 5 * time.Millisecond}, WithSampler(sampler))

	m.enqueue(events.Event{Type: events.RunStarted, RunID: "busy"})
	require.Eventually(t, func() bool {
		return len(m.Alerts("busy", AlertHighCPU)) > 0
	}, time.Second, 5*time.Millisecond)

	require.Empty(t, m.Alerts("busy", AlertHighMemory))
	rm, ok := m.Metrics("busy")
	require.True(t, ok)
	require.Equal(t, 95.0, rm.Resources.CPU.Peak)
	require.Equal(t, 40.0, rm.Resources.Memory.Average)
	require.Positive(t, m.Resources().CPU.Count)
}

func TestMonitor_ResourceSampleWithoutRuns(t *testing.T) {
	m := newMonitor(t, Config{})
	m.enqueue(events.Event{Type: events.ResourceSample, Resources: &events.Resources{MemoryPercent: 99}})
	flush(t, m)

	alerts := m.Alerts("", AlertHighMemory)
	require.Len(t, alerts, 1)
	require.Empty(t, alerts[0].RunID)
}

func TestMonitor_FlowAlerts(t *testing.T) {
	m := newMonitor(t, Config{})
	m.enqueue(events.Event{Type: events.MailboxBackpressure, RunID: "r", Stage: message.StageEditor})
	m.enqueue(events.Event{Type: events.MailboxHighWater, Stage: message.StageEditor, Metadata: map[string]any{"depth": 52}})
	flush(t, m)

	require.Len(t, m.Alerts("r", AlertMailboxBackpressure), 1)
	slow := m.Alerts("", AlertSlowConsumer)
	require.Len(t, slow, 1)
	require.Equal(t, 52, slow[0].Metadata["depth"])
	require.Len(t, m.Events(""), 1, "run-less events go to the global log")
}

func TestMonitor_NeverBlocksPublishers(t *testing.T) {
	m := New(Config{QueueSize: 1, ResourceInterval: -1})
	defer m.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			m.LogEvent("r", events.Custom, fmt.Sprint(i), nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "LogEvent blocked on a full queue")
	}
	require.Equal(t, uint64(4), m.Dropped())
}

func TestMonitor_ErrorSummaryKeepsLatest(t *testing.T) {
	m := newMonitor(t, Config{})
	for i := 0; i < 7; i++ {
		m.LogEvent("r", events.ErrorLogged, fmt.Sprintf("e%d", i), nil)
	}
	flush(t, m)

	rm, ok := m.Metrics("r")
	require.True(t, ok)
	require.Equal(t, 7, rm.Events.ErrorCount)
	require.Len(t, rm.Events.Errors, DefaultErrorSummary)
	require.Equal(t, "e2", rm.Events.Errors[0].Description)
	require.Equal(t, "e6", rm.Events.Errors[4].Description)
	require.Zero(t, rm.Duration, "run has not finished")
}

func TestMonitor_RecordMetric(t *testing.T) {
	m := newMonitor(t, Config{})
	m.RecordMetric("r", message.StageWriter, "tokens", 1200)
	m.RecordMetric("r", message.StageWriter, "tokens", 800)
	m.RecordMetric("r", "", "score", 0.5)
	flush(t, m)

	rm, _ := m.Metrics("r")
	require.Equal(t, 2, rm.Custom["writer.tokens"].Count)
	require.Equal(t, 1000.0, rm.Custom["writer.tokens"].Average)
	require.Equal(t, 1200.0, rm.Custom["writer.tokens"].Peak)
	require.Equal(t, 0.5, rm.Custom["score"].Peak)
}

func TestMonitor_Retention(t *testing.T) {
	m := newMonitor(t, Config{RetainRuns: 2})
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("r%d", i)
		m.enqueue(events.Event{Type: events.RunStarted, RunID: id})
		m.enqueue(events.Event{Type: events.RunCompleted, RunID: id})
	}
	m.enqueue(events.Event{Type: events.RunStarted, RunID: "live"})
	flush(t, m)

	require.Equal(t, []string{"live", "r1", "r2"}, m.Runs())
}

func TestMonitor_LateEventsDoNotResurrectEvictedRuns(t *testing.T) {
	m := newMonitor(t, Config{RetainRuns: 1})
	for _, id := range []string{"old", "new"} {
		m.enqueue(events.Event{Type: events.RunStarted, RunID: id})
		m.enqueue(events.Event{Type: events.RunCompleted, RunID: id})
	}
	flush(t, m)
	require.Equal(t, []string{"new"}, m.Runs())

	m.enqueue(events.Event{Type: events.StageCompleted, RunID: "old", Stage: message.StageWriter, Duration: time.Second})
	m.LogEvent("old", events.ErrorLogged, "late failure", nil)
	flush(t, m)

	require.Equal(t, []string{"new"}, m.Runs())
	require.Nil(t, m.Events("old"))
	require.Empty(t, m.Alerts("old", ""))

	// Unknown ids that were never evicted still get a log.
	m.LogEvent("fresh", events.Custom, "note", nil)
	flush(t, m)
	require.Len(t, m.Events("fresh"), 1)
}

func TestMonitor_Notifiers(t *testing.T) {
	got := make(chan Alert, 4)
	path := filepath.Join(t.TempDir(), "alerts", "alerts.jsonl")
	file, err := NewFileNotifier(path)
	require.NoError(t, err)

	m := newMonitor(t, Config{}, WithNotifiers(
		LogNotifier{},
		file,
		NotifierFunc(func(_ context.Context, a Alert) error {
			got <- a
			return nil
		}),
	))

	m.LogEvent("r", events.ErrorLogged, "render failed", nil)
	select {
	case a := <-got:
		require.Equal(t, AlertPipelineError, a.Type)
		require.Equal(t, "r", a.RunID)
	case <-time.After(time.Second):
		require.Fail(t, "notifier not called")
	}
	flush(t, m)
	require.NoError(t, file.Close())
	require.NoError(t, file.Close())
	require.ErrorIs(t, file.Notify(context.Background(), Alert{}), os.ErrClosed)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var a Alert
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &a))
	require.Equal(t, "render failed", a.Message)
}

func TestMonitor_StartTwiceAndFlushBeforeStart(t *testing.T) {
	m := New(DefaultConfig())
	require.Error(t, m.Flush(context.Background()))
	require.NoError(t, m.Start())
	require.Error(t, m.Start())
	m.Close()
	m.Close()
	require.Error(t, m.Start(), "closed monitor cannot restart")
}

func TestMonitor_ObservesOrchestrator(t *testing.T) {
	wf, err := workflow.Chain("content", message.StageResearcher, message.StageWriter, message.StageEditor)
	require.NoError(t, err)

	cfg := pipeline.DefaultConfig()
	cfg.WatchdogTimeout = 0
	o, err := pipeline.New(cfg, wf, testutil.Chain(message.StageResearcher, message.StageWriter, message.StageEditor))
	require.NoError(t, err)

	m := New(Config{ResourceInterval: -1})
	m.Attach(o.Events())
	require.NoError(t, m.Start())
	t.Cleanup(m.Close)

	require.NoError(t, o.Start())
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })

	runID, err := o.StartRun(message.Payload{"research_topic": "mailboxes"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = o.Wait(ctx, runID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_ = m.Flush(context.Background())
		rm, ok := m.Metrics(runID)
		return ok && rm.Status == "completed"
	}, time.Second, 5*time.Millisecond)

	rm, _ := m.Metrics(runID)
	require.Len(t, rm.Stages, 3)
	for _, s := range rm.Stages {
		require.Equal(t, 1, s.Completed)
		require.Equal(t, 1.0, s.SuccessRate)
	}
	require.Empty(t, rm.Alerts)
	require.Zero(t, m.Dropped())
}
