package stages

import (
	"context"
	"time"

	"github.com/zjrosen/quill/internal/llm"
	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/research"
	"github.com/zjrosen/quill/internal/templates"
)

// Writer drafts an article from research_data.
type Writer struct {
	cfg Config
	gen llm.Generator
	now func() time.Time
}

// NewWriter builds the writer stage.
func NewWriter(cfg Config, gen llm.Generator) *Writer {
	return &Writer{cfg: cfg.withDefaults(), gen: gen, now: time.Now}
}

// Process implements worker.Processor.
func (w *Writer) Process(ctx context.Context, msg message.Message) (*message.Message, error) {
	const stage = message.StageWriter
	var data research.Research
	if err := decode(stage, msg, FieldResearchData, &data); err != nil {
		return nil, err
	}
	topic := stringOr(msg, FieldTopic, data.Topic)
	style := stringOr(msg, FieldStyle, w.cfg.Style)

	resp, err := generate(ctx, w.gen, stage, "writer", templates.Writer, map[string]any{
		"Topic":      topic,
		"Style":      style,
		"Length":     stringOr(msg, FieldLength, w.cfg.Length),
		"Points":     data.MainPoints,
		"Statistics": data.Statistics,
		"Sources":    data.Sources,
	}, "draft generation failed")
	if err != nil {
		return nil, err
	}

	now := w.now()
	title, body := splitTitle(resp.Content)
	if title == "" {
		title = topic
	}
	article := Article{
		ID:        articleID(topic, now),
		Title:     title,
		Topic:     topic,
		Body:      body,
		WordCount: countWords(body),
		Sources:   data.Sources,
		CreatedAt: now.UTC(),
	}
	draft, err := encodeFor(stage, article)
	if err != nil {
		return nil, err
	}
	researchData, _ := msg.Value(FieldResearchData)

	log.Info(log.CatStage, "Draft written", "run", msg.RunID(), "article", article.ID, "words", article.WordCount)
	return emit(msg, stage, message.Payload{
		FieldDraftArticle: draft,
		FieldResearchData: researchData,
		FieldMetadata: map[string]any{
			"original_topic":     topic,
			"research_timestamp": timestamp(data.GatheredAt),
			"writing_timestamp":  timestamp(now),
			"agent_version":      w.cfg.AgentVersion,
			"style":              style,
			"prompt_tokens":      resp.PromptTokens,
			"completion_tokens":  resp.CompletionTokens,
		},
	})
}
