// Package server builds the application's dependencies and runs the HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/page-summarizer/internal/api"
	"github.com/JakeFAU/page-summarizer/internal/cache"
	"github.com/JakeFAU/page-summarizer/internal/clock/system"
	"github.com/JakeFAU/page-summarizer/internal/config"
	"github.com/JakeFAU/page-summarizer/internal/extract"
	collyfetcher "github.com/JakeFAU/page-summarizer/internal/fetcher/colly"
	"github.com/JakeFAU/page-summarizer/internal/httpclient"
	"github.com/JakeFAU/page-summarizer/internal/id/uuid"
	"github.com/JakeFAU/page-summarizer/internal/logging"
	"github.com/JakeFAU/page-summarizer/internal/pipeline"
	"github.com/JakeFAU/page-summarizer/internal/policy/ratelimit"
	"github.com/JakeFAU/page-summarizer/internal/summarizer"
	"github.com/JakeFAU/page-summarizer/internal/telemetry"
)

// Version is stamped into traces; override with -ldflags "-X ...server.Version=...".
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	pipeline       *pipeline.Service
	cache          cache.Store
	httpClient     *http.Client
	tracerShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	type sanitizedConfig struct {
		Addr       string `json:"addr"`
		Model      string `json:"model"`
		CacheTTL   string `json:"cache_ttl"`
		MaxEntries int    `json:"cache_max_entries"`
		Auth       bool   `json:"auth_enabled"`
	}
	logger.Info("creating application", zap.Any("config", sanitizedConfig{
		Addr:       cfg.Server.Addr(),
		Model:      cfg.OpenRouter.Model,
		CacheTTL:   cfg.Cache.TTL.String(),
		MaxEntries: cfg.Cache.MaxEntries,
		Auth:       cfg.Auth.Enabled,
	}))
	return &App{cfg: cfg, logger: logger}, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Pipeline returns the summarize orchestrator.
func (a *App) Pipeline() *pipeline.Service { return a.pipeline }

// Handler returns the HTTP handler tree.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.TracingConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		Version:      Version,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Stdout:       cfg.Telemetry.Stdout,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.logger.Info("building application dependencies")
	clock := system.New()
	app.httpClient = httpclient.New(httpclient.Config{
		MaxIdleConns:        cfg.HTTP.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.HTTP.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.HTTP.IdleConnTimeout,
	})

	fetcher := setupFetcher(app)

	extractor, err := extract.New()
	if err != nil {
		return nil, fmt.Errorf("extractor init failed: %w", err)
	}

	app.cache, err = cache.New(cache.Options{
		TTL:        cfg.Cache.TTL,
		MaxEntries: cfg.Cache.MaxEntries,
		Clock:      clock,
	})
	if err != nil {
		return nil, fmt.Errorf("cache init failed: %w", err)
	}
	app.logger.Info("summary cache ready",
		zap.Duration("ttl", cfg.Cache.TTL),
		zap.Int("max_entries", cfg.Cache.MaxEntries),
	)

	app.pipeline, err = pipeline.New(pipeline.Config{
		RequestTimeout: cfg.Request.Timeout,
		MaxInputChars:  cfg.Summarizer.MaxInputChars,
		APIKey:         cfg.OpenRouter.APIKey,
		SiteName:       cfg.OpenRouter.SiteName,
	}, pipeline.Deps{
		Fetcher:    fetcher,
		Extractor:  extractor,
		Summarizer: setupSummarizer(app),
		Cache:      app.cache,
		Clock:      clock,
		Logger:     logger,
		Tracer:     telemetry.Tracer(),
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	app.apiServer = api.NewServer(
		app.pipeline,
		uuid.New(),
		clock,
		api.Options{
			AuthEnabled:    cfg.Auth.Enabled,
			APIKey:         cfg.Auth.APIKey,
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			RequestTimeout: cfg.Request.Timeout,
		},
		logger,
	)

	return app, nil
}

func setupFetcher(app *App) *collyfetcher.Fetcher {
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   app.cfg.Fetch.RateLimitRPS,
		Burst: app.cfg.Fetch.RateLimitBurst,
	})
	if limiter.Enabled() {
		app.logger.Info("per-host fetch rate limit enabled",
			zap.Float64("rps", app.cfg.Fetch.RateLimitRPS),
			zap.Int("burst", app.cfg.Fetch.RateLimitBurst),
		)
	}
	app.logger.Info("using colly fetcher", zap.String("user_agent", app.cfg.Fetch.UserAgent))
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:    app.cfg.Fetch.UserAgent,
		Timeout:      app.cfg.Fetch.Timeout,
		MaxBodyBytes: app.cfg.Fetch.MaxBodyBytes,
		Client:       app.httpClient,
	}, limiter, app.logger)
}

func setupSummarizer(app *App) *summarizer.Client {
	sumCfg := summarizer.Config{
		BaseURL:        app.cfg.OpenRouter.BaseURL,
		Model:          app.cfg.OpenRouter.Model,
		MaxTokens:      app.cfg.Summarizer.MaxTokens,
		Temperature:    app.cfg.Summarizer.Temperature,
		MaxAttempts:    app.cfg.Summarizer.MaxAttempts,
		BaseDelay:      app.cfg.Summarizer.BaseDelay,
		MaxDelay:       app.cfg.Summarizer.MaxDelay,
		AttemptTimeout: app.cfg.Summarizer.AttemptTimeout,
		CallTimeout:    app.cfg.Summarizer.CallTimeout,
	}
	app.logger.Info("summarizer config",
		zap.String("base_url", sumCfg.BaseURL),
		zap.String("model", sumCfg.Model),
		zap.Int("max_attempts", sumCfg.MaxAttempts),
		zap.Duration("attempt_timeout", sumCfg.AttemptTimeout),
		zap.Duration("call_timeout", sumCfg.CallTimeout),
	)
	return summarizer.New(sumCfg, app.httpClient, app.logger)
}

// Run listens on the configured address and blocks until the context is
// canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.Server.Addr())
	if err != nil {
		listenErr := fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr(), err)
		a.logger.Error("http server failed to start", zap.Error(listenErr))
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		return errors.Join(listenErr, a.Close(closeCtx))
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server and the cache sweeper on ln until ctx is done,
// then drains in-flight requests and releases resources.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if mem, ok := a.cache.(*cache.Memory); ok && a.cfg.Cache.SweepInterval > 0 {
		g.Go(func() error {
			a.logger.Info("cache sweeper started", zap.Duration("interval", a.cfg.Cache.SweepInterval))
			mem.RunSweeper(gctx, a.cfg.Cache.SweepInterval, a.logger.Named("cache"))
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.httpClient != nil {
		a.httpClient.CloseIdleConnections()
	}
	var err error
	if a.tracerShutdown != nil {
		if shutdownErr := a.tracerShutdown(ctx); shutdownErr != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(shutdownErr))
			err = fmt.Errorf("tracer shutdown: %w", shutdownErr)
		}
	}
	a.logger.Info("shutdown complete")
	// Sync fails on stdout/stderr for some platforms; ignore it.
	_ = a.logger.Sync()
	return err
}

// Summarize runs one URL through the pipeline without the HTTP layer.
func (a *App) Summarize(ctx context.Context, rawURL string) (pipeline.Result, error) {
	return a.pipeline.Summarize(ctx, rawURL)
}
