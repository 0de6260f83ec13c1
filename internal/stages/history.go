package stages

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/quill/internal/cachemanager"
	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/worker"
)

// Interaction is one successful stage invocation kept in History.
type Interaction struct {
	Stage     message.StageID `json:"stage"`
	RunID     string          `json:"run_id"`
	ArticleID string          `json:"article_id,omitempty"`
	At        time.Time       `json:"at"`
	Duration  time.Duration   `json:"duration"`
	Details   map[string]any  `json:"details,omitempty"`

	seq uint64
}

// HistorySummary aggregates the interactions a stage still remembers.
type HistorySummary struct {
	Stage           message.StageID `json:"stage"`
	Count           int             `json:"count"`
	Runs            int             `json:"runs"`
	Oldest          time.Time       `json:"oldest,omitempty"`
	Newest          time.Time       `json:"newest,omitempty"`
	AverageDuration time.Duration   `json:"average_duration"`
}

// History keeps the most recent interactions of every stage. Each stage holds
// at most limit entries for ttl; the oldest entry is evicted first.
type History struct {
	limit int
	ttl   time.Duration
	now   func() time.Time
	seq   atomic.Uint64

	mu     sync.Mutex
	stages map[message.StageID]*cachemanager.InMemoryCacheManager[string, Interaction]
}

// NewHistory creates a History. Non-positive arguments fall back to the
// defaults in DefaultConfig.
func NewHistory(limit int, ttl time.Duration) *History {
	d := DefaultConfig()
	if limit <= 0 {
		limit = d.HistorySize
	}
	if ttl <= 0 {
		ttl = d.HistoryTTL
	}
	return &History{
		limit:  limit,
		ttl:    ttl,
		now:    time.Now,
		stages: make(map[message.StageID]*cachemanager.InMemoryCacheManager[string, Interaction]),
	}
}

func (h *History) cache(stage message.StageID) *cachemanager.InMemoryCacheManager[string, Interaction] {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.stages[stage]
	if !ok {
		c = cachemanager.NewInMemoryCacheManager[string, Interaction](
			"history:"+string(stage), h.ttl, cachemanager.DefaultCleanupInterval, h.limit)
		h.stages[stage] = c
	}
	return c
}

func (h *History) lookup(stage message.StageID) *cachemanager.InMemoryCacheManager[string, Interaction] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stages[stage]
}

// Record stores an interaction for its stage, evicting the stage's oldest
// entry when full.
func (h *History) Record(ctx context.Context, in Interaction) {
	if in.At.IsZero() {
		in.At = h.now()
	}
	in.Details = maps.Clone(in.Details)
	in.seq = h.seq.Add(1)

	c := h.cache(in.Stage)
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.Len() >= h.limit {
		if all := c.Values(ctx); len(all) >= h.limit {
			oldest := slices.MinFunc(all, func(a, b Interaction) int { return compareSeq(a.seq, b.seq) })
			_ = c.Delete(ctx, seqKey(oldest.seq))
		}
	}
	c.Set(ctx, seqKey(in.seq), in, h.ttl)
}

// Recall returns up to limit interactions of stage, newest first. A limit
// <= 0 returns everything retained.
func (h *History) Recall(ctx context.Context, stage message.StageID, limit int) []Interaction {
	c := h.lookup(stage)
	if c == nil {
		return nil
	}
	all := c.Values(ctx)
	slices.SortFunc(all, func(a, b Interaction) int { return compareSeq(b.seq, a.seq) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	for i := range all {
		all[i].Details = maps.Clone(all[i].Details)
	}
	return all
}

// Summarize aggregates what stage remembers.
func (h *History) Summarize(ctx context.Context, stage message.StageID) HistorySummary {
	sum := HistorySummary{Stage: stage}
	runs := make(map[string]struct{})
	c := h.lookup(stage)
	if c == nil {
		return sum
	}
	var total time.Duration
	for _, in := range c.Values(ctx) {
		sum.Count++
		runs[in.RunID] = struct{}{}
		total += in.Duration
		if sum.Oldest.IsZero() || in.At.Before(sum.Oldest) {
			sum.Oldest = in.At
		}
		if in.At.After(sum.Newest) {
			sum.Newest = in.At
		}
	}
	sum.Runs = len(runs)
	if sum.Count > 0 {
		sum.AverageDuration = total / time.Duration(sum.Count)
	}
	return sum
}

// Stages lists the stages with a history, sorted.
func (h *History) Stages() []message.StageID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Sorted(maps.Keys(h.stages))
}

func seqKey(seq uint64) string { return fmt.Sprintf("%020d", seq) }

func compareSeq(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// detailFields names, per stage, the output fields worth remembering and the
// field holding the article.
var detailFields = map[message.StageID]struct {
	article string
	details []string
}{
	message.StageResearcher: {details: []string{FieldTopic}},
	message.StageWriter:     {article: FieldDraftArticle, details: []string{FieldMetadata}},
	message.StageEditor:     {article: FieldEditedArticle, details: []string{FieldEditingMetadata}},
	message.StageSEO:        {article: FieldSEOArticle, details: []string{FieldKeywords}},
	message.StageImage:      {article: FieldArticleWithImages, details: []string{FieldImageMetadata}},
	message.StagePublisher:  {details: []string{FieldPublishResult, FieldPublishMetadata}},
}

// recorded remembers every successful call of next in a History.
type recorded struct {
	stage   message.StageID
	next    worker.Processor
	history *History
}

// Recorded wraps next so each successful output of stage is kept in h.
func Recorded(stage message.StageID, next worker.Processor, h *History) worker.Processor {
	return &recorded{stage: stage, next: next, history: h}
}

// Process implements worker.Processor.
func (r *recorded) Process(ctx context.Context, msg message.Message) (*message.Message, error) {
	began := r.history.now()
	out, err := r.next.Process(ctx, msg)
	if err != nil || out == nil {
		return out, err
	}

	at := r.history.now()
	in := Interaction{
		Stage:    r.stage,
		RunID:    msg.RunID(),
		At:       at,
		Duration: at.Sub(began),
		Details:  make(map[string]any),
	}
	fields := detailFields[r.stage]
	for _, f := range fields.details {
		if v, ok := out.Value(f); ok {
			in.Details[f] = v
		}
	}
	if fields.article != "" {
		if art, ok := out.Value(fields.article); ok {
			if m, ok := art.(map[string]any); ok {
				in.ArticleID, _ = m["id"].(string)
			}
		}
	}
	if in.ArticleID == "" {
		if res, ok := out.Value(FieldPublishResult); ok {
			if m, ok := res.(map[string]any); ok {
				in.ArticleID, _ = m["article_id"].(string)
			}
		}
	}
	r.history.Record(ctx, in)
	log.Debug(log.CatStage, "Interaction recorded", "stage", r.stage, "run", in.RunID, "article", in.ArticleID)
	return out, nil
}
