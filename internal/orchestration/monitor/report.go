package monitor

import (
	"time"

	"github.com/zjrosen/quill/internal/orchestration/events"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/metrics"
)

// StageMetrics aggregates completions of one stage.
type StageMetrics struct {
	Stage           message.StageID `json:"stage"`
	Completed       int             `json:"completed"`
	Failed          int             `json:"failed"`
	SuccessRate     float64         `json:"success_rate"`
	AverageDuration time.Duration   `json:"average_duration"`
	PeakDuration    time.Duration   `json:"peak_duration"`
}

// ResourceMetrics is the average/peak view of resource samples.
type ResourceMetrics struct {
	CPU    metrics.Summary `json:"cpu"`
	Memory metrics.Summary `json:"memory"`
}

// ErrorEntry is one failure listed in an EventSummary.
type ErrorEntry struct {
	At          time.Time       `json:"at"`
	Type        events.Type     `json:"type"`
	Stage       message.StageID `json:"stage,omitempty"`
	Description string          `json:"description"`
}

// EventSummary counts a run's events by type and lists its latest errors.
type EventSummary struct {
	Total        int                 `json:"total_events"`
	Distribution map[events.Type]int `json:"event_distribution"`
	ErrorCount   int                 `json:"error_count"`
	Errors       []ErrorEntry        `json:"errors"`
}

// RunMetrics is the full report for one run.
type RunMetrics struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	// Duration is zero until the run is terminal.
	Duration  time.Duration                    `json:"duration"`
	Stages    map[message.StageID]StageMetrics `json:"stage_performance"`
	Resources ResourceMetrics                  `json:"resource_usage"`
	Custom    map[string]metrics.Summary       `json:"custom_metrics,omitempty"`
	Events    EventSummary                     `json:"event_summary"`
	Alerts    []Alert                          `json:"alerts"`
}

type stageAgg struct {
	duration  metrics.Series // seconds, successful completions only
	completed int
	failed    int
}

func (a *stageAgg) report(stage message.StageID) StageMetrics {
	out := StageMetrics{
		Stage:           stage,
		Completed:       a.completed,
		Failed:          a.failed,
		AverageDuration: seconds(a.duration.Average()),
		PeakDuration:    seconds(a.duration.Peak),
	}
	if total := a.completed + a.failed; total > 0 {
		out.SuccessRate = float64(a.completed) / float64(total)
	}
	return out
}

type resourceAgg struct {
	cpu    metrics.Series
	memory metrics.Series
}

func (a *resourceAgg) observe(r *events.Resources, at time.Time) {
	if r == nil {
		return
	}
	a.cpu.Observe(r.CPUPercent, at)
	a.memory.Observe(r.MemoryPercent, at)
}

func (a *resourceAgg) report() ResourceMetrics {
	return ResourceMetrics{CPU: a.cpu.Summary(), Memory: a.memory.Summary()}
}

func summarize(log []events.Event, keep int) EventSummary {
	s := EventSummary{Total: len(log), Distribution: make(map[events.Type]int)}
	var errs []ErrorEntry
	for _, e := range log {
		s.Distribution[e.Type]++
		if !e.Type.IsFailure() {
			continue
		}
		desc := e.Error
		if desc == "" {
			desc = e.Description
		}
		errs = append(errs, ErrorEntry{At: e.Timestamp, Type: e.Type, Stage: e.Stage, Description: desc})
	}
	s.ErrorCount = len(errs)
	if len(errs) > keep {
		errs = errs[len(errs)-keep:]
	}
	s.Errors = errs
	return s
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
