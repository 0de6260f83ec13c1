package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/worker"
)

// ErrEmptyArticle is the publish quality gate failure.
var ErrEmptyArticle = errors.New("article body is empty")

// PublishResult records where an article went.
type PublishResult struct {
	ArticleID   string    `json:"article_id"`
	Location    string    `json:"location"`
	Bytes       int       `json:"bytes"`
	PublishedAt time.Time `json:"published_at"`
}

// Publisher delivers a finished article.
type Publisher interface {
	Publish(ctx context.Context, a Article) (PublishResult, error)
}

// FilePublisher writes each article as markdown with YAML front matter.
type FilePublisher struct {
	dir string
	now func() time.Time
}

var _ Publisher = (*FilePublisher)(nil)

// NewFilePublisher publishes into dir, creating it on first use.
func NewFilePublisher(dir string) *FilePublisher {
	return &FilePublisher{dir: dir, now: time.Now}
}

type frontMatter struct {
	Article     `yaml:",inline"`
	PublishedAt time.Time `yaml:"published_at"`
}

// Publish implements Publisher. The file is written to a temp name and
// renamed so readers never see a partial article.
func (p *FilePublisher) Publish(ctx context.Context, a Article) (PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return PublishResult{}, err
	}
	if a.ID == "" {
		return PublishResult{}, fmt.Errorf("article id is required")
	}
	if err := os.MkdirAll(p.dir, 0o750); err != nil {
		return PublishResult{}, fmt.Errorf("creating output dir: %w", err)
	}

	now := p.now().UTC()
	meta, err := yaml.Marshal(frontMatter{Article: a, PublishedAt: now})
	if err != nil {
		return PublishResult{}, fmt.Errorf("marshal front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(meta)
	buf.WriteString("---\n\n")
	buf.WriteString(a.Markdown())
	buf.WriteString("\n")

	name := filepath.Join(p.dir, a.ID+".md")
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o640); err != nil {
		return PublishResult{}, fmt.Errorf("writing article: %w", err)
	}
	if err := os.Rename(tmp, name); err != nil {
		_ = os.Remove(tmp)
		return PublishResult{}, fmt.Errorf("writing article: %w", err)
	}
	return PublishResult{ArticleID: a.ID, Location: name, Bytes: buf.Len(), PublishedAt: now}, nil
}

// Publish is the terminal stage: it checks article_with_images and hands it
// to the Publisher.
type Publish struct {
	publisher Publisher
	now       func() time.Time
}

// NewPublish builds the publisher stage.
func NewPublish(p Publisher) *Publish {
	return &Publish{publisher: p, now: time.Now}
}

// Process implements worker.Processor.
func (s *Publish) Process(ctx context.Context, msg message.Message) (*message.Message, error) {
	const stage = message.StagePublisher
	var article Article
	if err := decode(stage, msg, FieldArticleWithImages, &article); err != nil {
		return nil, err
	}
	if strings.TrimSpace(article.Body) == "" {
		return nil, worker.NewStageError(stage, "quality check failed", false, ErrEmptyArticle)
	}

	res, err := s.publisher.Publish(ctx, article)
	if err != nil {
		return nil, collaboratorError(stage, "publishing failed", err)
	}
	result, err := encodeFor(stage, res)
	if err != nil {
		return nil, err
	}

	log.Info(log.CatStage, "Article published", "run", msg.RunID(), "article", article.ID, "location", res.Location)
	return emit(msg, stage, message.Payload{
		FieldPublishResult: result,
		FieldPublishMetadata: map[string]any{
			"timestamp":  timestamp(s.now()),
			"word_count": article.WordCount,
			"images":     len(article.Images),
			"keywords":   article.Keywords,
		},
	})
}
