// Package pipeline turns a URL into a cached Markdown summary:
// cache check, fetch, extract, summarize, store, all under one deadline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-summarizer/internal/apperr"
	"github.com/JakeFAU/page-summarizer/internal/cache"
	"github.com/JakeFAU/page-summarizer/internal/clock/system"
	"github.com/JakeFAU/page-summarizer/internal/extract"
	"github.com/JakeFAU/page-summarizer/internal/summarizer"
	"github.com/JakeFAU/page-summarizer/internal/telemetry"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusCached  = "cached"
)

const promptPreamble = "The following is the content of a webpage. Please provide a summary formatted in Markdown. " +
	"Use headers, bullet points, and other Markdown formatting to make the summary structured and readable:\n\n"

// Fetcher retrieves raw page HTML.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// Extractor reduces HTML to clean text.
type Extractor interface {
	Extract(rawHTML string) (extract.Result, error)
}

// Summarizer produces Markdown from a prompt.
type Summarizer interface {
	Summarize(ctx context.Context, req summarizer.Request) (string, error)
}

// Clock supplies timestamps for cache entries.
type Clock interface {
	Now() time.Time
}

// Config holds the request-scoped settings of the pipeline.
type Config struct {
	// RequestTimeout bounds a whole Summarize call.
	RequestTimeout time.Duration
	// MaxInputChars caps the extracted text embedded in the prompt.
	MaxInputChars int
	APIKey        string
	// SiteName is sent as the X-Title attribution header.
	SiteName string
}

// Deps are the collaborators of a Service.
type Deps struct {
	Fetcher    Fetcher
	Extractor  Extractor
	Summarizer Summarizer
	Cache      cache.Store
	Clock      Clock
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

// Result is the outcome of one Summarize call.
type Result struct {
	URL       string
	Summary   string
	ScrapedAt time.Time
	WordCount int
	Status    string
}

// Service runs the summarize pipeline. It is safe for concurrent use.
type Service struct {
	cfg        Config
	fetcher    Fetcher
	extractor  Extractor
	summarizer Summarizer
	cache      cache.Store
	clock      Clock
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New validates deps and builds a Service.
func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case deps.Summarizer == nil:
		return nil, errors.New("pipeline: summarizer is required")
	case deps.Cache == nil:
		return nil, errors.New("pipeline: cache is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}
	return &Service{
		cfg:        cfg,
		fetcher:    deps.Fetcher,
		extractor:  deps.Extractor,
		summarizer: deps.Summarizer,
		cache:      deps.Cache,
		clock:      deps.Clock,
		logger:     deps.Logger.Named("pipeline"),
		tracer:     deps.Tracer,
	}, nil
}

// Summarize returns the summary for rawURL, from the cache when a fresh
// entry exists. Failures are apperr errors; an expired overall deadline is
// always reported as a timeout, whatever stage it interrupted.
func (s *Service) Summarize(ctx context.Context, rawURL string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "pipeline.Summarize",
		trace.WithAttributes(attribute.String("url.full", rawURL)))
	defer span.End()

	start := time.Now()
	result, err := s.run(ctx, rawURL)
	if err != nil {
		err = s.classify(ctx, err)
		kind := apperr.KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		telemetry.ObserveSummarize(string(kind))
		s.logger.Warn("summarize failed",
			zap.String("url", rawURL),
			zap.String("kind", string(kind)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return Result{}, err
	}

	span.SetAttributes(attribute.String("summary.status", result.Status), attribute.Int("summary.word_count", result.WordCount))
	telemetry.ObserveSummarize(result.Status)
	s.logger.Info("summarize finished",
		zap.String("url", rawURL),
		zap.String("status", result.Status),
		zap.Int("word_count", result.WordCount),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

func (s *Service) run(ctx context.Context, rawURL string) (Result, error) {
	if err := ValidateURL(rawURL); err != nil {
		return Result{}, err
	}

	var (
		entry cache.Entry
		hit   bool
	)
	_ = s.stage(ctx, "cache", func(context.Context) error {
		entry, hit = s.cache.Get(rawURL)
		return nil
	})
	if hit {
		return Result{
			URL:       rawURL,
			Summary:   entry.Summary,
			ScrapedAt: entry.Timestamp,
			WordCount: entry.WordCount,
			Status:    StatusCached,
		}, nil
	}

	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return Result{}, apperr.Config("OpenRouter API key is not configured", nil)
	}

	var page string
	if err := s.stage(ctx, "fetch", func(ctx context.Context) error {
		var err error
		page, err = s.fetcher.Fetch(ctx, rawURL)
		return err
	}); err != nil {
		return Result{}, err
	}

	var extracted extract.Result
	if err := s.stage(ctx, "extract", func(context.Context) error {
		var err error
		extracted, err = s.extractor.Extract(page)
		return err
	}); err != nil {
		return Result{}, err
	}
	telemetry.ObserveExtraction(extracted.Selector)
	s.logger.Debug("extracted page text",
		zap.String("url", rawURL),
		zap.String("selector", extracted.Selector),
		zap.Int("word_count", extracted.WordCount),
	)

	var summary string
	if err := s.stage(ctx, "summarize", func(ctx context.Context) error {
		text, err := s.summarizer.Summarize(ctx, summarizer.Request{
			APIKey:     s.cfg.APIKey,
			Prompt:     BuildPrompt(extracted.Text, s.cfg.MaxInputChars),
			SourceURL:  rawURL,
			SourceName: s.cfg.SiteName,
		})
		if err != nil {
			return err
		}
		summary = summarizer.EnsureMarkdown(text)
		return nil
	}); err != nil {
		return Result{}, err
	}

	now := s.clock.Now()
	_ = s.stage(ctx, "store", func(context.Context) error {
		s.cache.Put(rawURL, cache.Entry{Summary: summary, WordCount: extracted.WordCount, Timestamp: now})
		telemetry.SetCacheEntries(s.cache.Len())
		return nil
	})

	return Result{
		URL:       rawURL,
		Summary:   summary,
		ScrapedAt: now,
		WordCount: extracted.WordCount,
		Status:    StatusSuccess,
	}, nil
}

// stage runs fn inside a child span and records its latency.
func (s *Service) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	telemetry.ObserveStage(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	return err
}

// classify makes the overall deadline win over whatever inner error it
// caused.
func (s *Service) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperr.Timeout(fmt.Sprintf("request exceeded the overall deadline of %s", s.cfg.RequestTimeout), err)
	case errors.Is(ctx.Err(), context.Canceled):
		return apperr.Timeout("request was cancelled before it completed", err)
	default:
		return err
	}
}

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return apperr.Fetch(fmt.Sprintf("invalid url %q", rawURL), err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.Fetch(fmt.Sprintf("invalid url %q: expected an absolute http or https URL", rawURL), nil)
	}
	return nil
}

// BuildPrompt embeds text in the summarization instruction, keeping at most
// maxChars runes of it when maxChars is positive.
func BuildPrompt(text string, maxChars int) string {
	return promptPreamble + truncateRunes(text, maxChars)
}

func truncateRunes(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	count := 0
	for i := range text {
		if count == maxChars {
			return text[:i]
		}
		count++
	}
	return text
}
