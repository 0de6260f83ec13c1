package stages

import (
	"context"

	"github.com/zjrosen/quill/internal/llm"
	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/templates"
)

const descriptionLength = 160

// SEO picks keywords, rewrites the article around them and sets a meta
// description.
type SEO struct {
	cfg Config
	gen llm.Generator
}

// NewSEO builds the seo stage.
func NewSEO(cfg Config, gen llm.Generator) *SEO {
	return &SEO{cfg: cfg.withDefaults(), gen: gen}
}

// Process implements worker.Processor.
func (s *SEO) Process(ctx context.Context, msg message.Message) (*message.Message, error) {
	const stage = message.StageSEO
	var article Article
	if err := decode(stage, msg, FieldEditedArticle, &article); err != nil {
		return nil, err
	}

	kw := keywords(article.Topic, article.Title+"\n"+article.Body, s.cfg.MaxKeywords)
	resp, err := generate(ctx, s.gen, stage, "seo specialist", templates.SEO, map[string]any{
		"Keywords": kw,
		"Article":  article.Markdown(),
	}, "seo optimization failed")
	if err != nil {
		return nil, err
	}

	title, body := splitTitle(resp.Content)
	if title != "" {
		article.Title = title
	}
	article.Body = body
	article.WordCount = countWords(body)
	article.Keywords = kw
	article.Description = firstParagraph(body, descriptionLength)

	out, err := encodeFor(stage, article)
	if err != nil {
		return nil, err
	}
	original, ok := msg.Value(FieldOriginalResearch)
	if !ok {
		original = map[string]any{}
	}

	log.Info(log.CatStage, "Article optimized", "run", msg.RunID(), "article", article.ID, "keywords", len(kw))
	return emit(msg, stage, message.Payload{
		FieldSEOArticle:       out,
		FieldKeywords:         kw,
		FieldOriginalResearch: original,
	})
}
