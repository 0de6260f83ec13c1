package stages

import (
	"context"
	"strings"
	"time"

	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/worker"
	"github.com/zjrosen/quill/internal/research"
)

// Researcher turns a research_topic into research_data.
type Researcher struct {
	gatherer research.Gatherer
}

// NewResearcher builds the researcher stage.
func NewResearcher(g research.Gatherer) *Researcher {
	return &Researcher{gatherer: g}
}

// Process implements worker.Processor.
func (r *Researcher) Process(ctx context.Context, msg message.Message) (*message.Message, error) {
	const stage = message.StageResearcher
	if err := worker.Require(stage, msg, FieldResearchTopic); err != nil {
		return nil, err
	}
	topic := strings.TrimSpace(msg.StringField(FieldResearchTopic))
	if topic == "" {
		return nil, &worker.ValidationError{Stage: stage, Field: FieldResearchTopic}
	}

	start := time.Now()
	data, err := r.gatherer.Gather(ctx, topic)
	if err != nil {
		return nil, collaboratorError(stage, "research failed", err)
	}
	if data.Empty() {
		log.Warn(log.CatStage, "Research found nothing", "run", msg.RunID(), "topic", topic)
	}

	encoded, err := encodeFor(stage, data)
	if err != nil {
		return nil, err
	}
	log.Info(log.CatStage, "Research done",
		"run", msg.RunID(),
		"topic", topic,
		"points", len(data.MainPoints),
		"duration", time.Since(start))
	return emit(msg, stage, message.Payload{
		FieldResearchData: encoded,
		FieldTopic:        topic,
	})
}
