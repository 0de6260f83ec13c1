package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/message"
)

// Image attaches generated assets to seo_optimized_article.
type Image struct {
	assets AssetGenerator
	now    func() time.Time
}

// NewImage builds the image stage.
func NewImage(assets AssetGenerator) *Image {
	return &Image{assets: assets, now: time.Now}
}

// Process implements worker.Processor.
func (s *Image) Process(ctx context.Context, msg message.Message) (*message.Message, error) {
	const stage = message.StageImage
	var article Article
	if err := decode(stage, msg, FieldSEOArticle, &article); err != nil {
		return nil, err
	}

	assets, err := s.assets.Generate(ctx, article)
	if err != nil {
		return nil, collaboratorError(stage, "image generation failed", err)
	}
	article.Images = assets

	out, err := encodeFor(stage, article)
	if err != nil {
		return nil, err
	}
	byKind := map[string]any{}
	for _, a := range assets {
		ids, _ := byKind[a.Kind].([]string)
		byKind[a.Kind] = append(ids, a.ID)
	}

	log.Info(log.CatStage, "Images attached", "run", msg.RunID(), "article", article.ID, "count", len(assets))
	return emit(msg, stage, message.Payload{
		FieldArticleWithImages: out,
		FieldImageMetadata: map[string]any{
			"article_id":       article.ID,
			"timestamp":        timestamp(s.now()),
			"count":            len(assets),
			"generated_images": byKind,
			"generator":        fmt.Sprintf("%T", s.assets),
		},
	})
}
