// Package stages implements the six content pipeline processors and the
// collaborators they depend on.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zjrosen/quill/internal/llm"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/worker"
	"github.com/zjrosen/quill/internal/templates"
)

// Payload fields exchanged between stages.
const (
	FieldResearchTopic     = "research_topic"
	FieldResearchData      = "research_data"
	FieldTopic             = "topic"
	FieldStyle             = "style"
	FieldLength            = "length"
	FieldDraftArticle      = "draft_article"
	FieldMetadata          = "metadata"
	FieldEditedArticle     = "edited_article"
	FieldOriginalResearch  = "original_research"
	FieldEditingMetadata   = "editing_metadata"
	FieldSEOArticle        = "seo_optimized_article"
	FieldKeywords          = "keywords"
	FieldArticleWithImages = "article_with_images"
	FieldImageMetadata     = "image_metadata"
	FieldPublishResult     = "publish_result"
	FieldPublishMetadata   = "publish_metadata"
)

// options are carried from the seed through every stage.
var options = []string{FieldStyle, FieldLength}

// encode converts v to the plain map form stored in payloads so that it
// deep-copies and serializes like any other payload value.
func encode(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decode reads payload field into out. The field may hold the typed value or
// its map form.
func decode(stage message.StageID, msg message.Message, field string, out any) error {
	if err := worker.Require(stage, msg, field); err != nil {
		return err
	}
	v, _ := msg.Value(field)
	data, err := json.Marshal(v)
	if err == nil {
		err = json.Unmarshal(data, out)
	}
	if err != nil {
		return worker.NewStageError(stage, "malformed "+field, false, err)
	}
	return nil
}

// carry copies the run options present in msg into payload.
func carry(msg message.Message, payload message.Payload) message.Payload {
	for _, k := range options {
		if v, ok := msg.Value(k); ok {
			payload[k] = v
		}
	}
	return payload
}

// collaboratorError wraps a failure from the llm, research or publishing
// collaborators, keeping their retry classification.
func collaboratorError(stage message.StageID, reason string, err error) error {
	retryable := llm.IsRetryable(err) && !errors.Is(err, context.Canceled)
	return worker.NewStageError(stage, reason, retryable, err)
}

func stringOr(msg message.Message, field, fallback string) string {
	if s := strings.TrimSpace(msg.StringField(field)); s != "" {
		return s
	}
	return fallback
}

func emit(msg message.Message, stage message.StageID, payload message.Payload) (*message.Message, error) {
	out := msg.Next(stage, carry(msg, payload))
	return &out, nil
}

func encodeFor(stage message.StageID, v any) (map[string]any, error) {
	m, err := encode(v)
	if err != nil {
		return nil, worker.NewStageError(stage, fmt.Sprintf("encode %T", v), false, err)
	}
	return m, nil
}

// generate renders the stage prompt and asks gen for a completion.
func generate(ctx context.Context, gen llm.Generator, stage message.StageID, role, tmpl string, data any, failure string) (llm.Response, error) {
	system, err := templates.Render(templates.System, map[string]any{"Stage": role})
	if err != nil {
		return llm.Response{}, worker.NewStageError(stage, "render prompt", false, err)
	}
	prompt, err := templates.Render(tmpl, data)
	if err != nil {
		return llm.Response{}, worker.NewStageError(stage, "render prompt", false, err)
	}
	resp, err := gen.Generate(ctx, llm.Request{System: system, Prompt: prompt})
	if err != nil {
		return llm.Response{}, collaboratorError(stage, failure, err)
	}
	return resp, nil
}
