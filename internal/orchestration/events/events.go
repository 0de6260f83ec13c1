// Package events defines typed event structures for the orchestration layer.
// These events are published via the pubsub broker by workers and the
// orchestrator, and consumed by the monitor and other subscribers.
//
// Event types are organized by class:
//   - Lifecycle: run and stage transitions
//   - Resource: periodic CPU/memory samples
//   - Flow: mailbox pressure, dead letters and worker stops
package events

import (
	"time"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

// Type identifies the kind of event.
type Type string

// Lifecycle events.
const (
	RunStarted     Type = "run_started"
	RunCompleted   Type = "run_completed"
	RunFailed      Type = "run_failed"
	StageStarted   Type = "stage_started"
	StageCompleted Type = "stage_completed"
	StageFailed    Type = "stage_failed"
)

// Resource events.
const (
	ResourceSample Type = "resource_sample"
	MetricRecorded Type = "metric_recorded"
)

// Flow events.
const (
	MailboxBackpressure Type = "mailbox_backpressure"
	MailboxHighWater    Type = "mailbox_high_water"
	MessageDeadLettered Type = "message_dead_lettered"
	WorkerStopped       Type = "worker_stopped"
	ErrorReceived       Type = "error_received"
	QueryAnswered       Type = "query_answered"
	RunCancelRequested  Type = "run_cancel_requested"
)

// Types logged through the monitor sink by external tooling.
const (
	Custom      Type = "custom"
	ErrorLogged Type = "error"
)

// Class groups event types.
type Class string

const (
	ClassLifecycle Class = "lifecycle"
	ClassResource  Class = "resource"
	ClassFlow      Class = "flow"
)

// Class returns the class an event type belongs to.
func (t Type) Class() Class {
	switch t {
	case RunStarted, RunCompleted, RunFailed, StageStarted, StageCompleted, StageFailed:
		return ClassLifecycle
	case ResourceSample, MetricRecorded:
		return ClassResource
	default:
		return ClassFlow
	}
}

// IsFailure reports whether the event signals a failure.
func (t Type) IsFailure() bool {
	return t == RunFailed || t == StageFailed || t == ErrorLogged
}

// Resources is a sampled snapshot of process and host usage.
type Resources struct {
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	MemoryUsed      uint64  `json:"memory_used"`
	MemoryAvailable uint64  `json:"memory_available"`
	Goroutines      int     `json:"goroutines"`
}

// Event is a single observation emitted by a worker, the orchestrator or the sampler.
type Event struct {
	Type        Type            `json:"type"`
	RunID       string          `json:"run_id,omitempty"`
	Stage       message.StageID `json:"stage,omitempty"`
	MessageID   string          `json:"message_id,omitempty"`
	Description string          `json:"description,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorType   string          `json:"error_type,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Resources   *Resources      `json:"resources,omitempty"`

	// Metric carries the name/value of a MetricRecorded event.
	Metric string  `json:"metric,omitempty"`
	Value  float64 `json:"value,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
