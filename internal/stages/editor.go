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

// Editor revises draft_article for grammar, clarity and flow.
type Editor struct {
	cfg Config
	gen llm.Generator
	now func() time.Time
}

// NewEditor builds the editor stage.
func NewEditor(cfg Config, gen llm.Generator) *Editor {
	return &Editor{cfg: cfg.withDefaults(), gen: gen, now: time.Now}
}

// Process implements worker.Processor.
func (e *Editor) Process(ctx context.Context, msg message.Message) (*message.Message, error) {
	const stage = message.StageEditor
	var draft Article
	if err := decode(stage, msg, FieldDraftArticle, &draft); err != nil {
		return nil, err
	}

	// Research is optional here; a draft seeded directly still gets edited.
	var data research.Research
	if msg.Has(FieldResearchData) {
		if err := decode(stage, msg, FieldResearchData, &data); err != nil {
			return nil, err
		}
	}

	resp, err := generate(ctx, e.gen, stage, "editor", templates.Editor, map[string]any{
		"Style":   stringOr(msg, FieldStyle, e.cfg.Style),
		"Points":  data.MainPoints,
		"Article": draft.Markdown(),
	}, "editing failed")
	if err != nil {
		return nil, err
	}

	edited := draft
	title, body := splitTitle(resp.Content)
	if title != "" {
		edited.Title = title
	}
	edited.Body = body
	edited.WordCount = countWords(body)

	out, err := encodeFor(stage, edited)
	if err != nil {
		return nil, err
	}
	original, ok := msg.Value(FieldResearchData)
	if !ok {
		original = map[string]any{}
	}

	log.Info(log.CatStage, "Draft edited", "run", msg.RunID(), "article", edited.ID,
		"words_before", draft.WordCount, "words_after", edited.WordCount)
	return emit(msg, stage, message.Payload{
		FieldEditedArticle:    out,
		FieldOriginalResearch: original,
		FieldEditingMetadata: map[string]any{
			"timestamp":     timestamp(e.now()),
			"words_before":  draft.WordCount,
			"words_after":   edited.WordCount,
			"title_changed": edited.Title != draft.Title,
			"agent_version": e.cfg.AgentVersion,
		},
	})
}
