package research

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goPage = `<html>
<head>
  <title>Go (programming language)</title>
  <meta name="description" content="Go is a statically typed language.">
</head>
<body>
  <h1>Go</h1>
  <p>Go was designed at Google in 2007 to improve programming productivity.</p>
  <p>short</p>
  <p>By 2023 roughly 13 percent of professional developers reported using Go at work.</p>
</body>
</html>`

const dupPage = `<html><head><title>Mirror</title></head><body>
  <p>Go was designed at Google in 2007 to improve programming productivity.</p>
  <p>Goroutines are multiplexed onto a small number of operating system threads.</p>
</body></html>`

func testConfig(sources ...string) Config {
	cfg := DefaultConfig()
	cfg.Sources = sources
	cfg.MinPointLength = 20
	cfg.Timeout = 5 * time.Second
	return cfg
}

func TestGather_ExtractsAndMerges(t *testing.T) {
	var query atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.Query().Get("q"))
		assert.Equal(t, "quill/1.0", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/a":
			_, _ = w.Write([]byte(goPage))
		case "/b":
			_, _ = w.Write([]byte(dupPage))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL+"/a?q={query}", srv.URL+"/b?q={query}"), srv.Client())
	r, err := f.Gather(context.Background(), "  go language ")
	require.NoError(t, err)

	require.Equal(t, "go language", query.Load())
	require.Equal(t, "go language", r.Topic)
	require.False(t, r.GatheredAt.IsZero())

	require.Len(t, r.Sources, 2)
	require.Equal(t, "Go (programming language)", r.Sources[0].Title)
	require.Equal(t, "Go is a statically typed language.", r.Sources[0].Description)
	require.Equal(t, "Mirror", r.Sources[1].Title)

	// The repeated paragraph from /b is dropped; "short" is below the minimum.
	require.Len(t, r.MainPoints, 3)
	require.Contains(t, r.MainPoints[2].Content, "Goroutines")
	require.True(t, strings.HasPrefix(r.MainPoints[2].Source, srv.URL+"/b"))

	require.Len(t, r.Statistics, 1)
	require.Equal(t, "13 percent", r.Statistics[0].Value)
}

func TestGather_SkipsFailingSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(goPage))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL+"/down", srv.URL+"/up"), srv.Client())
	r, err := f.Gather(context.Background(), "go")
	require.NoError(t, err)
	require.Len(t, r.Sources, 1)
	require.False(t, r.Empty())
}

func TestGather_AllSourcesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL+"/x", "::not a url"), srv.Client())
	_, err := f.Gather(context.Background(), "go")
	require.ErrorIs(t, err, ErrNoSources)
}

func TestGather_Validation(t *testing.T) {
	f := NewFetcher(testConfig(), nil)

	_, err := f.Gather(context.Background(), " ")
	require.ErrorContains(t, err, "empty")

	_, err = f.Gather(context.Background(), "go")
	require.ErrorIs(t, err, ErrNoSources)
}

func TestGather_RespectsMaxPoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(goPage))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxPoints = 1
	r, err := NewFetcher(cfg, srv.Client()).Gather(context.Background(), "go")
	require.NoError(t, err)
	require.Len(t, r.MainPoints, 1)
}

func TestGather_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewFetcher(testConfig(srv.URL), srv.Client()).Gather(ctx, "go")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExtract_FallsBackToHeading(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<body><h1> Heading </h1></body>`))
	require.NoError(t, err)

	p := extract(doc, "http://example.com", 10)
	require.Equal(t, "Heading", p.source.Title)
	require.Empty(t, p.points)
}

func TestCacheKey(t *testing.T) {
	day := time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC)
	require.Equal(t, "go_concurrency_20240309", CacheKey("  Go   Concurrency ", day))
	require.NotEqual(t, CacheKey("go", day), CacheKey("go", day.Add(2*time.Hour)))
}
