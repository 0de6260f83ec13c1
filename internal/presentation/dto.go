package presentation

import (
	"context"
	"time"

	"github.com/zjrosen/quill/internal/app"
	"github.com/zjrosen/quill/internal/infrastructure/sqlite"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/pipeline"
	"github.com/zjrosen/quill/internal/orchestration/workflow"
	"github.com/zjrosen/quill/internal/stages"
)

// RunDTO is the flat view of a run used by both output modes.
type RunDTO struct {
	RunID           string             `json:"run_id"`
	Topic           string             `json:"topic,omitempty"`
	Workflow        string             `json:"workflow"`
	Status          string             `json:"status"`
	FailedStage     string             `json:"failed_stage,omitempty"`
	CompletedStages []string           `json:"completed_stages"`
	Errors          []ErrorDTO         `json:"errors,omitempty"`
	StartedAt       time.Time          `json:"started_at"`
	DurationSeconds float64            `json:"duration_seconds"`
	StageSeconds    map[string]float64 `json:"stage_seconds,omitempty"`
	Location        string             `json:"location,omitempty"`
}

// ErrorDTO is one recorded failure.
type ErrorDTO struct {
	Stage   string    `json:"stage"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// WorkflowDTO describes a workflow definition.
type WorkflowDTO struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Source      string   `json:"source"`
	Path        string   `json:"path,omitempty"`
	Stages      []string `json:"stages"`
	Chain       bool     `json:"chain"`
}

// StageStatDTO is the history aggregate for one stage.
type StageStatDTO struct {
	Stage          string  `json:"stage"`
	Runs           int     `json:"runs"`
	AverageSeconds float64 `json:"average_seconds"`
	MaxSeconds     float64 `json:"max_seconds"`
}

// StageMemoryDTO summarizes what one stage remembers of recent runs.
type StageMemoryDTO struct {
	Stage          string    `json:"stage"`
	Interactions   int       `json:"interactions"`
	Runs           int       `json:"runs"`
	AverageSeconds float64   `json:"average_seconds"`
	LastArticle    string    `json:"last_article,omitempty"`
	LastAt         time.Time `json:"last_at,omitempty"`
}

// FromStageHistory summarizes every stage h remembers.
func FromStageHistory(ctx context.Context, h *stages.History) []StageMemoryDTO {
	if h == nil {
		return nil
	}
	var out []StageMemoryDTO
	for _, stage := range h.Stages() {
		sum := h.Summarize(ctx, stage)
		dto := StageMemoryDTO{
			Stage:          string(stage),
			Interactions:   sum.Count,
			Runs:           sum.Runs,
			AverageSeconds: sum.AverageDuration.Seconds(),
			LastAt:         sum.Newest,
		}
		if last := h.Recall(ctx, stage, 1); len(last) == 1 {
			dto.LastArticle = last[0].ArticleID
		}
		out = append(out, dto)
	}
	return out
}

// FromRunStatus converts an orchestrator snapshot.
func FromRunStatus(st pipeline.RunStatus, topic string) RunDTO {
	dto := RunDTO{
		RunID:           st.RunID,
		Topic:           topic,
		Workflow:        st.Workflow,
		Status:          string(st.Status),
		CompletedStages: stageNames(st.CompletedStages),
		StartedAt:       st.StartedAt,
		DurationSeconds: st.Duration(time.Now()).Seconds(),
	}
	if st.Status == pipeline.StatusFailed {
		if last, ok := st.LastError(); ok {
			dto.FailedStage = string(last.Stage)
		}
	}
	for _, e := range st.Errors {
		dto.Errors = append(dto.Errors, ErrorDTO{Stage: string(e.Stage), Type: e.Type, Message: e.Message, At: e.At})
	}
	if len(st.StageDurations) > 0 {
		dto.StageSeconds = make(map[string]float64, len(st.StageDurations))
		for s, d := range st.StageDurations {
			dto.StageSeconds[string(s)] = d.Seconds()
		}
	}
	return dto
}

// FromResult converts a finished request.
func FromResult(r app.Result) RunDTO {
	dto := FromRunStatus(r.Run, r.Topic)
	dto.Location = r.Location
	return dto
}

// FromHistory converts a persisted run.
func FromHistory(r *sqlite.Run) RunDTO {
	dto := FromRunStatus(r.RunStatus, r.Topic)
	if res, ok := r.Output[stages.FieldPublishResult].(map[string]any); ok {
		dto.Location, _ = res["location"].(string)
	}
	return dto
}

// FromWorkflow converts a workflow definition.
func FromWorkflow(wf *workflow.Workflow) WorkflowDTO {
	return WorkflowDTO{
		Name:        wf.Name(),
		Description: wf.Description(),
		Source:      wf.Source().String(),
		Path:        wf.Path(),
		Stages:      stageNames(wf.Stages()),
		Chain:       wf.IsChain(),
	}
}

// FromStageStats converts history aggregates.
func FromStageStats(stats []sqlite.StageStat) []StageStatDTO {
	out := make([]StageStatDTO, 0, len(stats))
	for _, s := range stats {
		out = append(out, StageStatDTO{
			Stage:          string(s.Stage),
			Runs:           s.Runs,
			AverageSeconds: s.Average.Seconds(),
			MaxSeconds:     s.Max.Seconds(),
		})
	}
	return out
}

func stageNames(ids []message.StageID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
