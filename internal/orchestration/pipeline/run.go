package pipeline

import (
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canTransition encodes pending -> running -> {completed, failed}. A pending
// run may also fail directly.
func (s Status) canTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// RunError records one failure observed during a run.
type RunError struct {
	Stage   message.StageID `json:"stage"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	At      time.Time       `json:"at"`
}

// RunStatus is an immutable snapshot of a run.
type RunStatus struct {
	RunID           string                            `json:"run_id"`
	Workflow        string                            `json:"workflow"`
	Status          Status                            `json:"status"`
	CurrentStage    message.StageID                   `json:"current_stage,omitempty"`
	CompletedStages []message.StageID                 `json:"completed_stages"`
	Errors          []RunError                        `json:"errors,omitempty"`
	StartedAt       time.Time                         `json:"started_at"`
	EndedAt         time.Time                         `json:"ended_at,omitzero"`
	LastProgressAt  time.Time                         `json:"last_progress_at"`
	StageDurations  map[message.StageID]time.Duration `json:"stage_durations,omitempty"`
}

// Duration is the wall time of the run so far, or in total once terminal.
func (s RunStatus) Duration(now time.Time) time.Duration {
	if !s.EndedAt.IsZero() {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// LastError returns the most recent error, if any.
func (s RunStatus) LastError() (RunError, bool) {
	if len(s.Errors) == 0 {
		return RunError{}, false
	}
	return s.Errors[len(s.Errors)-1], true
}

// run is the mutable run record. All fields are guarded by Orchestrator.mu.
type run struct {
	id             string
	workflow       string
	status         Status
	current        message.StageID
	completed      []message.StageID
	errors         []RunError
	startedAt      time.Time
	endedAt        time.Time
	lastProgress   time.Time
	stageDurations map[message.StageID]time.Duration
	outputs        map[message.StageID]message.Payload
	seed           message.Payload

	// outstanding counts branches still in flight. The run completes when a
	// terminal stage brings it to zero.
	outstanding int

	span trace.Span
	done chan struct{}
}

func newRun(id, workflow string, seed message.Payload, now time.Time) *run {
	return &run{
		id:             id,
		workflow:       workflow,
		status:         StatusPending,
		startedAt:      now,
		lastProgress:   now,
		stageDurations: make(map[message.StageID]time.Duration),
		outputs:        make(map[message.StageID]message.Payload),
		seed:           seed,
		done:           make(chan struct{}),
	}
}

func (r *run) snapshot() RunStatus {
	durations := make(map[message.StageID]time.Duration, len(r.stageDurations))
	for k, v := range r.stageDurations {
		durations[k] = v
	}
	return RunStatus{
		RunID:           r.id,
		Workflow:        r.workflow,
		Status:          r.status,
		CurrentStage:    r.current,
		CompletedStages: slices.Clone(r.completed),
		Errors:          slices.Clone(r.errors),
		StartedAt:       r.startedAt,
		EndedAt:         r.endedAt,
		LastProgressAt:  r.lastProgress,
		StageDurations:  durations,
	}
}
