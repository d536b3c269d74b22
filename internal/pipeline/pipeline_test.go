package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-summarizer/internal/apperr"
	"github.com/JakeFAU/page-summarizer/internal/cache"
	"github.com/JakeFAU/page-summarizer/internal/extract"
	collyfetcher "github.com/JakeFAU/page-summarizer/internal/fetcher/colly"
	"github.com/JakeFAU/page-summarizer/internal/summarizer"
)

const pageURL = "https://example.com/article"

const articleHTML = `<html><head><title>t</title></head><body>
<nav>Home | About</nav>
<section>Unrelated section text</section>
<main><h1>Hello</h1><p>brave new world</p><script>track()</script></main>
</body></html>`

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	body  string
	err   error
}

func (f *fakeFetcher) Fetch(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.body, f.err
}

type fakeSummarizer struct {
	mu    sync.Mutex
	calls int
	last  summarizer.Request
	text  string
	err   error
}

func (f *fakeSummarizer) Summarize(_ context.Context, req summarizer.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	return f.text, f.err
}

// stallingSummarizer holds every call until its context ends.
type stallingSummarizer struct {
	mu       sync.Mutex
	calls    int
	inFlight int
	peak     int
	ctxErr   error
	started  chan struct{}
}

func (f *stallingSummarizer) Summarize(ctx context.Context, _ summarizer.Request) (string, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()
	close(f.started)

	<-ctx.Done()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.ctxErr = ctx.Err()
	return "", apperr.Summarization("llm call interrupted", ctx.Err())
}

type harness struct {
	svc   *Service
	fetch *fakeFetcher
	llm   *fakeSummarizer
	store cache.Store
	clock fakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ext, err := extract.New()
	require.NoError(t, err)

	clock := fakeClock{now: time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)}
	store := cache.NewMemory(cache.DefaultTTL, clock)
	h := &harness{
		fetch: &fakeFetcher{body: articleHTML},
		llm:   &fakeSummarizer{text: "Hello\n- brave new world"},
		store: store,
		clock: clock,
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "sk-test"
	}
	h.svc, err = New(cfg, Deps{
		Fetcher:    h.fetch,
		Extractor:  ext,
		Summarizer: h.llm,
		Cache:      store,
		Clock:      clock,
	})
	require.NoError(t, err)
	return h
}

func TestSummarize_FreshResultIsStored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SiteName: "page-summarizer"})
	res, err := h.svc.Summarize(context.Background(), pageURL)
	require.NoError(t, err)

	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, pageURL, res.URL)
	require.Equal(t, "# Hello\n\nHello\n- brave new world", res.Summary)
	require.Equal(t, 4, res.WordCount)
	require.Equal(t, h.clock.now, res.ScrapedAt)

	require.Equal(t, 1, h.llm.calls)
	require.Equal(t, pageURL, h.llm.last.SourceURL)
	require.Equal(t, "page-summarizer", h.llm.last.SourceName)
	require.Equal(t, "sk-test", h.llm.last.APIKey)
	require.True(t, strings.HasPrefix(h.llm.last.Prompt, promptPreamble))
	require.True(t, strings.HasSuffix(h.llm.last.Prompt, "Hello brave new world"))
	require.NotContains(t, h.llm.last.Prompt, "track()")

	entry, ok := h.store.Get(pageURL)
	require.True(t, ok)
	require.Equal(t, cache.Entry{Summary: res.Summary, WordCount: 4, Timestamp: h.clock.now}, entry)
}

func TestSummarize_CacheHitBypassesPipeline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	stored := cache.Entry{Summary: "# Cached", WordCount: 321, Timestamp: h.clock.now.Add(-time.Hour)}
	h.store.Put(pageURL, stored)

	res, err := h.svc.Summarize(context.Background(), pageURL)
	require.NoError(t, err)
	require.Equal(t, Result{
		URL:       pageURL,
		Summary:   "# Cached",
		ScrapedAt: stored.Timestamp,
		WordCount: 321,
		Status:    StatusCached,
	}, res)
	require.Zero(t, h.fetch.calls)
	require.Zero(t, h.llm.calls)
}

func TestSummarize_CacheHitNeedsNoAPIKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.svc.cfg.APIKey = ""
	h.store.Put(pageURL, cache.Entry{Summary: "# Cached", Timestamp: h.clock.now})

	res, err := h.svc.Summarize(context.Background(), pageURL)
	require.NoError(t, err)
	require.Equal(t, StatusCached, res.Status)
}

func TestSummarize_StaleEntryRunsFullCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.store.Put(pageURL, cache.Entry{Summary: "# Old", WordCount: 1, Timestamp: h.clock.now.Add(-cache.DefaultTTL)})

	res, err := h.svc.Summarize(context.Background(), pageURL)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, 1, h.fetch.calls)
	require.Equal(t, 1, h.llm.calls)

	entry, ok := h.store.Get(pageURL)
	require.True(t, ok)
	require.Equal(t, h.clock.now, entry.Timestamp)
	require.NotEqual(t, "# Old", entry.Summary)
}

func TestSummarize_NoBodyIsParseError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.fetch.body = "<html><head><title>bare</title></head></html>"

	_, err := h.svc.Summarize(context.Background(), pageURL)
	require.True(t, apperr.Is(err, apperr.KindParse))
	require.Contains(t, err.Error(), "no body tag found")
	require.Zero(t, h.llm.calls)
	require.Zero(t, h.store.Len())
}

func TestSummarize_FailuresNeverTouchCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.llm.err = apperr.Summarization("summarization failed after 3 attempts (last: status)", errors.New("status 502"))

	_, err := h.svc.Summarize(context.Background(), pageURL)
	require.True(t, apperr.Is(err, apperr.KindSummarization))
	require.Zero(t, h.store.Len())

	h.llm.err = nil
	h.fetch.err = apperr.Fetch("failed to fetch", errors.New("connection refused"))
	_, err = h.svc.Summarize(context.Background(), pageURL)
	require.True(t, apperr.Is(err, apperr.KindFetch))
	require.Zero(t, h.store.Len())
}

func TestSummarize_MissingAPIKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.svc.cfg.APIKey = "  "

	_, err := h.svc.Summarize(context.Background(), pageURL)
	require.True(t, apperr.Is(err, apperr.KindConfig))
	require.Zero(t, h.fetch.calls)
}

func TestSummarize_InvalidURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	for _, raw := range []string{"", "example.com", "ftp://example.com/file", "http://", "://bad"} {
		_, err := h.svc.Summarize(context.Background(), raw)
		require.True(t, apperr.Is(err, apperr.KindFetch), raw)
	}
	require.Zero(t, h.fetch.calls)
}

func slowServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(articleHTML))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSummarize_FetchDeadlineIsFetchError(t *testing.T) {
	t.Parallel()

	srv := slowServer(t)
	h := newHarness(t, Config{RequestTimeout: 2 * time.Second})
	h.svc.fetcher = collyfetcher.New(collyfetcher.Config{Timeout: 50 * time.Millisecond}, nil, nil)

	_, err := h.svc.Summarize(context.Background(), srv.URL+"/slow")
	require.True(t, apperr.Is(err, apperr.KindFetch), "got %v", err)
	require.Contains(t, err.Error(), "timed out")
	require.Zero(t, h.llm.calls)
}

func TestSummarize_OverallDeadlineIsTimeoutError(t *testing.T) {
	t.Parallel()

	srv := slowServer(t)
	h := newHarness(t, Config{RequestTimeout: 50 * time.Millisecond})
	h.svc.fetcher = collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second}, nil, nil)

	_, err := h.svc.Summarize(context.Background(), srv.URL+"/slow")
	require.True(t, apperr.Is(err, apperr.KindTimeout), "got %v", err)
	require.Zero(t, h.store.Len())
}

func TestSummarize_DeadlineDuringSummarizationIsTimeoutError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{RequestTimeout: 80 * time.Millisecond})
	llm := &stallingSummarizer{started: make(chan struct{})}
	h.svc.summarizer = llm

	_, err := h.svc.Summarize(context.Background(), pageURL)
	require.True(t, apperr.Is(err, apperr.KindTimeout), "got %v", err)
	require.Equal(t, http.StatusRequestTimeout, apperr.HTTPStatus(apperr.KindOf(err)))

	select {
	case <-llm.started:
	default:
		t.Fatal("summarizer was never called")
	}
	llm.mu.Lock()
	defer llm.mu.Unlock()
	require.Equal(t, 1, llm.calls)
	require.Equal(t, 1, llm.peak)
	require.Zero(t, llm.inFlight)
	require.ErrorIs(t, llm.ctxErr, context.DeadlineExceeded)

	require.Equal(t, 1, h.fetch.calls)
	require.Zero(t, h.store.Len())
	_, ok := h.store.Get(pageURL)
	require.False(t, ok)
}

func TestSummarize_ConcurrentRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	errs := make(chan error, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Summarize(context.Background(), fmt.Sprintf("%s?page=%d", pageURL, i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 20, h.store.Len())
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestBuildPromptTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	require.Equal(t, promptPreamble+"héllo", BuildPrompt("héllo", 0))
	require.Equal(t, promptPreamble+"hé", BuildPrompt("héllo", 2))
	require.Equal(t, promptPreamble+"日本", BuildPrompt("日本語", 2))
	require.Equal(t, promptPreamble+"short", BuildPrompt("short", 100))
}
