package research

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/quill/internal/cachemanager"
	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/tracing"
)

// CachedGatherer serves repeated topics from a bounded TTL cache. Concurrent
// requests for the same topic share one fetch.
type CachedGatherer struct {
	cache  cachemanager.CacheManager[string, Research]
	reader *cachemanager.ReadThroughCache[string, Research, string]
	ttl    time.Duration
	tracer trace.Tracer
	now    func() time.Time
}

var _ Gatherer = (*CachedGatherer)(nil)

// NewCachedGatherer wraps inner with an in-memory cache of cfg.CacheSize
// topics. A zero CacheTTL disables caching.
func NewCachedGatherer(inner Gatherer, cfg Config, tracer trace.Tracer) *CachedGatherer {
	if tracer == nil {
		tracer = tracing.NoopTracer()
	}
	cache := cachemanager.NewInMemoryCacheManager[string, Research]("research", cfg.CacheTTL, cfg.CacheTTL, cfg.CacheSize)
	return &CachedGatherer{
		cache:  cache,
		reader: cachemanager.NewReadThroughCache(cachemanager.CacheManager[string, Research](cache), inner.Gather, cfg.CacheTTL <= 0),
		ttl:    cfg.CacheTTL,
		tracer: tracer,
		now:    time.Now,
	}
}

// Gather implements Gatherer.
func (c *CachedGatherer) Gather(ctx context.Context, topic string) (Research, error) {
	key := CacheKey(topic, c.now())
	_, hit := c.cache.Get(ctx, key)

	ctx, span := c.tracer.Start(ctx, "research.gather", trace.WithAttributes(
		attribute.String(tracing.AttrRunID, tracing.RunIDFromContext(ctx)),
		attribute.Bool(tracing.AttrCacheHit, hit),
	))
	defer span.End()

	r, err := c.reader.Get(ctx, key, topic, c.ttl)
	if err != nil {
		tracing.RecordError(span, err)
		return Research{}, err
	}
	log.Debug(log.CatCache, "Research lookup", "topic", topic, "hit", hit)
	return r, nil
}

// Len returns the number of cached topics.
func (c *CachedGatherer) Len() int {
	return c.cache.Len()
}
