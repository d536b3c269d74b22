// Package collyfetcher retrieves page HTML with a gocolly collector.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-summarizer/internal/apperr"
	"github.com/JakeFAU/page-summarizer/internal/telemetry"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 5 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout bounds a single fetch, including any rate-limit wait.
	Timeout      time.Duration
	MaxBodyBytes int
	// Client supplies the pooled transport; nil uses colly's default.
	Client *http.Client
}

// Waiter delays a fetch until the target host may be contacted again.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher performs one GET per call on a clone of a shared base collector.
type Fetcher struct {
	cfg           Config
	limiter       Waiter
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState collects what the collector callbacks observed.
type fetchState struct {
	body       string
	statusCode int
	finalURL   string
	err        error
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	// Clones share the backend, so transport and timeout are set once here.
	if cfg.Client != nil && cfg.Client.Transport != nil {
		c.WithTransport(cfg.Client.Transport)
	}
	c.SetRequestTimeout(cfg.Timeout)
	c.DisableCookies()

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		logger:        logger.Named("fetcher"),
		baseCollector: c,
	}
}

// Fetch GETs rawURL and returns its body as text. Every failure is an
// apperr fetch error; a fetch that outlives Config.Timeout says so in its
// message and wraps context.DeadlineExceeded.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, rawURL); err != nil {
			return "", f.wrapError(ctx, rawURL, err)
		}
	}

	start := time.Now()
	var state fetchState
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, &state)

	if err := f.runCollector(ctx, collector, rawURL, &state); err != nil {
		f.logger.Debug("fetch failed",
			zap.String("url", rawURL),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return "", f.wrapError(ctx, rawURL, err)
	}

	telemetry.ObserveFetch(rawURL, len(state.body))
	f.logger.Debug("fetched page",
		zap.String("url", rawURL),
		zap.String("final_url", state.finalURL),
		zap.Int("status", state.statusCode),
		zap.Int("bytes", len(state.body)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return state.body, nil
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, state *fetchState) {
	hooks.OnResponseHeaders(func(r *colly.Response) {
		state.statusCode = r.StatusCode
		if r.Headers == nil {
			return
		}
		if ct := r.Headers.Get("Content-Type"); !isTextual(ct) {
			state.err = fmt.Errorf("unsupported content type %q", ct)
			r.Request.Abort()
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		state.statusCode = r.StatusCode
		state.body = string(r.Body)
		if r.Request != nil && r.Request.URL != nil {
			state.finalURL = r.Request.URL.String()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if state.err != nil {
			return
		}
		if r != nil && r.StatusCode != 0 {
			state.statusCode = r.StatusCode
			if r.StatusCode < 200 || r.StatusCode > 299 {
				state.err = fmt.Errorf("unexpected status %d %s", r.StatusCode, http.StatusText(r.StatusCode))
				return
			}
		}
		state.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, state *fetchState) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if state.err != nil {
			return state.err
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) wrapError(ctx context.Context, rawURL string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Fetch(fmt.Sprintf("fetching %s timed out after %s", rawURL, f.cfg.Timeout), context.DeadlineExceeded)
	}
	return apperr.Fetch(fmt.Sprintf("failed to fetch %s", rawURL), err)
}

// isTextual accepts a missing Content-Type, text/*, and any XML or JSON
// media type.
func isTextual(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return strings.HasPrefix(mediaType, "text/") ||
		strings.Contains(mediaType, "xml") ||
		strings.Contains(mediaType, "json")
}
