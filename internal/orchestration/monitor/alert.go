package monitor

import (
	"fmt"
	"time"

	"github.com/zjrosen/quill/internal/orchestration/events"
	"github.com/zjrosen/quill/internal/orchestration/message"
)

// AlertType names a threshold rule.
type AlertType string

const (
	AlertPipelineError       AlertType = "pipeline_error"
	AlertSlowStage           AlertType = "slow_stage"
	AlertHighCPU             AlertType = "high_cpu_usage"
	AlertHighMemory          AlertType = "high_memory_usage"
	AlertMailboxBackpressure AlertType = "mailbox_backpressure"
	AlertSlowConsumer        AlertType = "slow_consumer"
)

// Alert is raised when an event crosses a threshold. Alerts are derived from
// the event log and can be rebuilt with RecomputeAlerts.
type Alert struct {
	RunID    string          `json:"run_id,omitempty"`
	Type     AlertType       `json:"type"`
	Stage    message.StageID `json:"stage,omitempty"`
	Message  string          `json:"message"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	At       time.Time       `json:"at"`
}

// evaluate applies the alert rules to one event. Resource samples are
// evaluated per run by the caller, so e.RunID is already set.
func evaluate(e events.Event, th Thresholds) []Alert {
	alert := func(t AlertType, msg string, meta map[string]any) Alert {
		return Alert{RunID: e.RunID, Type: t, Stage: e.Stage, Message: msg, Metadata: meta, At: e.Timestamp}
	}

	switch e.Type {
	case events.RunFailed:
		msg := e.Error
		if msg == "" {
			msg = "run failed"
		}
		return []Alert{alert(AlertPipelineError, msg, map[string]any{"error_type": e.ErrorType})}

	case events.ErrorLogged:
		msg := e.Description
		if msg == "" {
			msg = e.Error
		}
		return []Alert{alert(AlertPipelineError, msg, e.Metadata)}

	case events.StageCompleted:
		limit := th.StageLimit(e.Stage)
		if limit > 0 && e.Duration > limit {
			return []Alert{alert(AlertSlowStage,
				fmt.Sprintf("%s took %s to complete", e.Stage, e.Duration.Round(time.Millisecond)),
				map[string]any{"duration": e.Duration.Seconds(), "threshold": limit.Seconds()})}
		}

	case events.ResourceSample:
		if e.Resources == nil {
			return nil
		}
		var out []Alert
		if e.Resources.CPUPercent > th.CPUPercent {
			out = append(out, alert(AlertHighCPU,
				fmt.Sprintf("CPU usage at %.1f%%", e.Resources.CPUPercent),
				map[string]any{"cpu_percent": e.Resources.CPUPercent}))
		}
		if e.Resources.MemoryPercent > th.MemoryPercent {
			out = append(out, alert(AlertHighMemory,
				fmt.Sprintf("Memory usage at %.1f%%", e.Resources.MemoryPercent),
				map[string]any{"memory_percent": e.Resources.MemoryPercent}))
		}
		return out

	case events.MailboxBackpressure:
		return []Alert{alert(AlertMailboxBackpressure,
			fmt.Sprintf("mailbox %s full, message rejected", e.Stage), e.Metadata)}

	case events.MailboxHighWater:
		return []Alert{alert(AlertSlowConsumer,
			fmt.Sprintf("mailbox %s above high-water mark", e.Stage), e.Metadata)}
	}
	return nil
}
