package testutil

import (
	"time"

	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/pipeline"
)

// runData holds everything needed to build one RunRecord.
type runData struct {
	id        string
	workflow  string
	status    pipeline.Status
	topic     string
	current   message.StageID
	completed []message.StageID
	errors    []pipeline.RunError
	durations map[message.StageID]time.Duration
	output    message.Payload
	startedAt time.Time
	duration  time.Duration
}

// defaultRun returns a completed content run that started a minute ago.
func defaultRun(id string) runData {
	return runData{
		id:        id,
		workflow:  "content",
		status:    pipeline.StatusCompleted,
		topic:     id, // Default topic is the ID
		durations: make(map[message.StageID]time.Duration),
		startedAt: time.Now().Add(-time.Minute).Truncate(time.Millisecond),
		duration:  30 * time.Second,
	}
}

func (r runData) record() pipeline.RunRecord {
	st := pipeline.RunStatus{
		RunID:           r.id,
		Workflow:        r.workflow,
		Status:          r.status,
		CurrentStage:    r.current,
		CompletedStages: r.completed,
		Errors:          r.errors,
		StartedAt:       r.startedAt,
		LastProgressAt:  r.startedAt.Add(r.duration),
		StageDurations:  r.durations,
	}
	if r.status.IsTerminal() {
		st.EndedAt = r.startedAt.Add(r.duration)
	}
	return pipeline.RunRecord{
		Status: st,
		Seed:   message.Payload{TopicField: r.topic},
		Output: r.output,
	}
}

// RunOption configures a run during builder setup.
type RunOption func(*runData)

// Workflow sets the workflow name.
func Workflow(name string) RunOption {
	return func(r *runData) { r.workflow = name }
}

// Topic sets the seed topic.
func Topic(topic string) RunOption {
	return func(r *runData) { r.topic = topic }
}

// StartedAt sets when the run started.
func StartedAt(t time.Time) RunOption {
	return func(r *runData) { r.startedAt = t }
}

// Took sets the wall time from start to end.
func Took(d time.Duration) RunOption {
	return func(r *runData) { r.duration = d }
}

// Completed marks stages as done in order, each taking d.
func Completed(d time.Duration, stages ...message.StageID) RunOption {
	return func(r *runData) {
		for _, s := range stages {
			r.completed = append(r.completed, s)
			r.durations[s] = d
		}
	}
}

// Failed marks the run failed at stage with an error of the given type.
func Failed(stage message.StageID, errType, msg string) RunOption {
	return func(r *runData) {
		r.status = pipeline.StatusFailed
		r.current = stage
		r.errors = append(r.errors, pipeline.RunError{
			Stage:   stage,
			Type:    errType,
			Message: msg,
			At:      r.startedAt.Add(r.duration),
		})
	}
}

// Output sets the final payload.
func Output(p message.Payload) RunOption {
	return func(r *runData) { r.output = p }
}
