package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/pipeline"
)

// Run is a persisted terminal run.
type Run struct {
	pipeline.RunStatus
	Topic  string          `json:"topic,omitempty"`
	Seed   message.Payload `json:"seed,omitempty"`
	Output message.Payload `json:"output,omitempty"`
}

// RunModel represents the database row for the runs table.
// Time values are Unix milliseconds.
type RunModel struct {
	RunID           string
	Workflow        string
	Status          string
	Topic           string
	CurrentStage    *string // nullable
	CompletedStages string  // JSON array
	Seed            *string // nullable, JSON object
	Output          *string // nullable, JSON object
	StartedAt       int64
	EndedAt         *int64 // nullable
	DurationMS      int64
}

// toRunModel converts a record to its row. topicField names the seed field
// copied into the topic column.
func toRunModel(rec pipeline.RunRecord, topicField string) (*RunModel, error) {
	st := rec.Status
	completed := st.CompletedStages
	if completed == nil {
		completed = []message.StageID{}
	}
	stagesJSON, err := json.Marshal(completed)
	if err != nil {
		return nil, fmt.Errorf("encoding completed stages: %w", err)
	}

	m := &RunModel{
		RunID:           st.RunID,
		Workflow:        st.Workflow,
		Status:          string(st.Status),
		CompletedStages: string(stagesJSON),
		StartedAt:       st.StartedAt.UnixMilli(),
	}
	if topic, ok := rec.Seed[topicField].(string); ok {
		m.Topic = topic
	}
	if st.CurrentStage != "" {
		current := string(st.CurrentStage)
		m.CurrentStage = &current
	}
	if !st.EndedAt.IsZero() {
		ended := st.EndedAt.UnixMilli()
		m.EndedAt = &ended
		m.DurationMS = st.EndedAt.Sub(st.StartedAt).Milliseconds()
	}
	if m.Seed, err = encodePayload(rec.Seed); err != nil {
		return nil, fmt.Errorf("encoding seed: %w", err)
	}
	if m.Output, err = encodePayload(rec.Output); err != nil {
		return nil, fmt.Errorf("encoding output: %w", err)
	}
	return m, nil
}

// toDomain converts the row back into a Run. Errors and stage durations live
// in their own tables and are attached by the repository.
func (m *RunModel) toDomain() (*Run, error) {
	r := &Run{
		RunStatus: pipeline.RunStatus{
			RunID:     m.RunID,
			Workflow:  m.Workflow,
			Status:    pipeline.Status(m.Status),
			StartedAt: time.UnixMilli(m.StartedAt),
		},
		Topic: m.Topic,
	}
	if m.CurrentStage != nil {
		r.CurrentStage = message.StageID(*m.CurrentStage)
	}
	if m.EndedAt != nil {
		r.EndedAt = time.UnixMilli(*m.EndedAt)
		r.LastProgressAt = r.EndedAt
	}
	if err := json.Unmarshal([]byte(m.CompletedStages), &r.CompletedStages); err != nil {
		return nil, fmt.Errorf("decoding completed stages for %s: %w", m.RunID, err)
	}
	var err error
	if r.Seed, err = decodePayload(m.Seed); err != nil {
		return nil, fmt.Errorf("decoding seed for %s: %w", m.RunID, err)
	}
	if r.Output, err = decodePayload(m.Output); err != nil {
		return nil, fmt.Errorf("decoding output for %s: %w", m.RunID, err)
	}
	return r, nil
}

func encodePayload(p message.Payload) (*string, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func decodePayload(s *string) (message.Payload, error) {
	if s == nil {
		return nil, nil
	}
	var p message.Payload
	if err := json.Unmarshal([]byte(*s), &p); err != nil {
		return nil, err
	}
	return p, nil
}

// StageStat aggregates persisted durations for one stage.
type StageStat struct {
	Stage   message.StageID `json:"stage"`
	Runs    int             `json:"runs"`
	Average time.Duration   `json:"average"`
	Max     time.Duration   `json:"max"`
}
