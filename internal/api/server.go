package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-summarizer/internal/pipeline"
	"github.com/JakeFAU/page-summarizer/internal/telemetry"
)

const maxRequestBodyBytes = 1 << 20

// Summarizer produces the summary for one URL.
type Summarizer interface {
	Summarize(ctx context.Context, rawURL string) (pipeline.Result, error)
}

// IDGenerator issues request identifiers.
type IDGenerator interface {
	RequestID() string
}

// Clock stamps response metadata.
type Clock interface {
	Now() time.Time
}

// Options configures middleware.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	AllowedOrigins []string
	// RequestTimeout is the pipeline deadline; the handler timeout adds a
	// grace period on top so the pipeline reports its own timeout first.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the summarize pipeline.
type Server struct {
	router     chi.Router
	summarizer Summarizer
	ids        IDGenerator
	clock      Clock
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(summarizer Summarizer, ids IDGenerator, clock Clock, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		summarizer: summarizer,
		ids:        ids,
		clock:      clock,
		logger:     logger.Named("api"),
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(ids))
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger, clock))
	r.Use(telemetry.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey, clock))
		}
		r.Use(timeoutMiddleware(opts.RequestTimeout+5*time.Second, clock))
		r.Post("/scrape", s.scrape)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeRequest struct {
	URL string `json:"url"`
}

type scrapeResponse struct {
	URL             string    `json:"url"`
	SummaryMarkdown string    `json:"summary_markdown"`
	ScrapedAt       time.Time `json:"scraped_at"`
	WordCount       int       `json:"word_count"`
	Status          string    `json:"status"`
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err := dec.Decode(&req); err != nil {
		msg := "invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		writeRequestError(w, s.clock, http.StatusBadRequest, msg)
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeRequestError(w, s.clock, http.StatusBadRequest, "url is required")
		return
	}

	result, err := s.summarizer.Summarize(r.Context(), req.URL)
	if err != nil {
		writeAppError(w, s.clock, err)
		return
	}
	writeSuccess(w, s.clock, scrapeResponse{
		URL:             result.URL,
		SummaryMarkdown: result.Summary,
		ScrapedAt:       result.ScrapedAt,
		WordCount:       result.WordCount,
		Status:          result.Status,
	})
}
