package research

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/quill/internal/log"
)

// ErrNoSources is returned when every configured source failed.
var ErrNoSources = errors.New("no research source answered")

var figureExpr = regexp.MustCompile(`\d[\d,.]*\s?(%|percent|million|billion|thousand)`)

// Gatherer produces research for a topic.
type Gatherer interface {
	Gather(ctx context.Context, topic string) (Research, error)
}

// Fetcher downloads every configured source in parallel and extracts
// paragraphs, figures and page metadata with goquery.
type Fetcher struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
}

var _ Gatherer = (*Fetcher)(nil)

// NewFetcher builds a fetcher. A nil client gets one with cfg.Timeout.
func NewFetcher(cfg Config, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Fetcher{cfg: cfg, client: client, now: time.Now}
}

type page struct {
	source Source
	points []KeyPoint
	stats  []Statistic
}

// Gather fetches all sources. Individual source failures are logged and
// skipped; only when none succeeds is an error returned.
func (f *Fetcher) Gather(ctx context.Context, topic string) (Research, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Research{}, fmt.Errorf("research topic is empty")
	}
	if len(f.cfg.Sources) == 0 {
		return Research{}, fmt.Errorf("%w: none configured", ErrNoSources)
	}

	pages := make([]*page, len(f.cfg.Sources))
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for i, tmpl := range f.cfg.Sources {
		g.Go(func() error {
			p, err := f.fetch(gctx, tmpl, topic)
			if err != nil {
				log.Warn(log.CatResearch, "Source failed", "source", tmpl, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			pages[i] = p
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Research{}, err
	}
	if len(errs) == len(f.cfg.Sources) {
		return Research{}, fmt.Errorf("%w: %w", ErrNoSources, errors.Join(errs...))
	}

	out := merge(topic, pages, f.cfg.MaxPoints)
	out.GatheredAt = f.now().UTC()
	log.Debug(log.CatResearch, "Research gathered",
		"topic", topic,
		"sources", len(out.Sources),
		"points", len(out.MainPoints),
		"statistics", len(out.Statistics))
	return out, nil
}

func (f *Fetcher) fetch(ctx context.Context, tmpl, topic string) (*page, error) {
	pageURL := strings.ReplaceAll(tmpl, "{query}", url.QueryEscape(topic))
	if _, err := url.ParseRequestURI(pageURL); err != nil {
		return nil, fmt.Errorf("invalid source url %s: %w", pageURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", pageURL, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return extract(doc, pageURL, f.cfg.MinPointLength), nil
}

func extract(doc *goquery.Document, pageURL string, minLen int) *page {
	p := &page{source: Source{URL: pageURL}}

	p.source.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if p.source.Title == "" {
		p.source.Title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		p.source.Description = strings.TrimSpace(desc)
	}

	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if len(text) < minLen {
			return
		}
		p.points = append(p.points, KeyPoint{Content: text, Source: pageURL})
		if m := figureExpr.FindString(text); m != "" {
			p.stats = append(p.stats, Statistic{Text: text, Value: m, Source: pageURL})
		}
	})
	return p
}

// merge keeps source order and drops duplicate points and pages.
func merge(topic string, pages []*page, maxPoints int) Research {
	out := Research{Topic: topic}
	seenPoints := map[string]struct{}{}
	seenSources := map[string]struct{}{}
	seenStats := map[string]struct{}{}

	for _, p := range pages {
		if p == nil {
			continue
		}
		if _, ok := seenSources[p.source.URL]; !ok {
			seenSources[p.source.URL] = struct{}{}
			out.Sources = append(out.Sources, p.source)
		}
		for _, kp := range p.points {
			key := pointKey(kp.Content)
			if _, ok := seenPoints[key]; ok {
				continue
			}
			if maxPoints > 0 && len(out.MainPoints) >= maxPoints {
				break
			}
			seenPoints[key] = struct{}{}
			out.MainPoints = append(out.MainPoints, kp)
		}
		for _, st := range p.stats {
			if _, ok := seenStats[st.Text]; ok {
				continue
			}
			seenStats[st.Text] = struct{}{}
			out.Statistics = append(out.Statistics, st)
		}
	}
	return out
}

func pointKey(content string) string {
	key := strings.ToLower(content)
	if len(key) > 100 {
		key = key[:100]
	}
	return key
}
