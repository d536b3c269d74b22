// Package summarizer calls an OpenAI-compatible chat completions endpoint
// and retries transient failures with exponential backoff.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-summarizer/internal/apperr"
	"github.com/JakeFAU/page-summarizer/internal/telemetry"
)

const systemPrompt = "You are a concise assistant that summarizes web pages. " +
	"Reply with well-structured Markdown only: a heading, short sections and bullet points."

// Config controls the endpoint, model and retry schedule.
type Config struct {
	BaseURL        string
	Model          string
	MaxTokens      int64
	Temperature    float64
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	CallTimeout    time.Duration
}

// DefaultConfig returns the OpenRouter defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://openrouter.ai/api/v1",
		Model:          "deepseek/deepseek-chat-v3-0324",
		MaxTokens:      1024,
		Temperature:    0.2,
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		AttemptTimeout: 20 * time.Second,
		CallTimeout:    50 * time.Second,
	}
}

// Request is one summarization call.
type Request struct {
	APIKey string
	Prompt string
	// SourceURL and SourceName become the HTTP-Referer and X-Title
	// attribution headers when set.
	SourceURL  string
	SourceName string
}

// Client owns the retry loop around chat completion calls.
type Client struct {
	cfg    Config
	policy RetryPolicy
	api    openai.Client
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		cfg: cfg,
		policy: RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
		},
		api: openai.NewClient(
			option.WithBaseURL(cfg.BaseURL),
			option.WithHTTPClient(httpClient),
			option.WithMaxRetries(0),
		),
		logger: logger.Named("summarizer"),
		sleep:  sleepCtx,
	}
}

// Summarize asks the model for a Markdown summary of req.Prompt. It makes at
// most MaxAttempts calls; 401 and 403 stop immediately. The returned error
// is an apperr summarization error carrying the last failure, or the
// parent context's error when ctx ends first.
func (c *Client) Summarize(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return "", apperr.Config("OpenRouter API key is not configured", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	var last Attempt
	for n := 0; n < c.policy.MaxAttempts; n++ {
		if n > 0 {
			wait := c.policy.Backoff(n - 1)
			c.logger.Debug("retrying summarization",
				zap.Int("attempt", n+1),
				zap.Duration("backoff", wait),
				zap.String("last_kind", string(last.Kind)),
			)
			if err := c.sleep(callCtx, wait); err != nil {
				return "", c.stopped(ctx, last)
			}
		}

		res := c.call(callCtx, req)
		if ctx.Err() != nil {
			telemetry.ObserveAttempt("aborted")
			return "", fmt.Errorf("summarization aborted: %w", ctx.Err())
		}
		if callCtx.Err() != nil {
			telemetry.ObserveAttempt(string(KindTimeout))
			last = Attempt{Number: n + 1, Kind: KindTimeout, Err: callCtx.Err()}
			return "", c.stopped(ctx, last)
		}

		next, kind := classify(res)
		if next == stepSuccess {
			telemetry.ObserveAttempt("success")
			return res.text, nil
		}
		telemetry.ObserveAttempt(string(kind))
		last = Attempt{Number: n + 1, Kind: kind, Terminal: next == stepTerminal, Err: res.failure(kind)}
		c.logger.Warn("summarization attempt failed",
			zap.Int("attempt", last.Number),
			zap.String("kind", string(kind)),
			zap.Bool("terminal", last.Terminal),
			zap.Error(last.Err),
		)
		if last.Terminal {
			return "", apperr.Summarization(
				fmt.Sprintf("summarization rejected (%s)", kind), last.Err)
		}
	}

	return "", apperr.Summarization(
		fmt.Sprintf("summarization failed after %d attempts (last: %s)", last.Number, last.Kind), last.Err)
}

// stopped builds the error returned when the loop ends on a context rather
// than an attempt outcome.
func (c *Client) stopped(parent context.Context, last Attempt) error {
	if parent.Err() != nil {
		return fmt.Errorf("summarization aborted: %w", parent.Err())
	}
	msg := fmt.Sprintf("summarization timed out after %s", c.cfg.CallTimeout)
	if last.Kind != "" {
		msg = fmt.Sprintf("%s (last: %s)", msg, last.Kind)
	}
	cause := last.Err
	if cause == nil {
		cause = context.DeadlineExceeded
	}
	return apperr.Summarization(msg, cause)
}

// call performs one chat completion under the attempt timeout.
func (c *Client) call(ctx context.Context, req Request) callResult {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	var raw *http.Response
	opts := []option.RequestOption{
		option.WithAPIKey(req.APIKey),
		option.WithResponseInto(&raw),
	}
	if req.SourceURL != "" {
		opts = append(opts, option.WithHeader("HTTP-Referer", req.SourceURL))
	}
	if req.SourceName != "" {
		opts = append(opts, option.WithHeader("X-Title", req.SourceName))
	}

	params := openai.ChatCompletionNewParams{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(req.Prompt),
		},
		MaxTokens:   openai.Int(c.cfg.MaxTokens),
		Temperature: openai.Float(c.cfg.Temperature),
	}

	resp, err := c.api.Chat.Completions.New(attemptCtx, params, opts...)

	res := callResult{err: err}
	if raw != nil {
		res.status = raw.StatusCode
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		res.status = apiErr.StatusCode
	}
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.timedOut = true
	}
	if err == nil && resp != nil && len(resp.Choices) > 0 {
		res.text = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	return res
}

// failure turns a classified result into the error kept for the caller.
func (r callResult) failure(kind ErrorKind) error {
	switch {
	case r.err != nil && r.status != 0:
		return fmt.Errorf("%s (status %d): %w", kind, r.status, r.err)
	case r.err != nil:
		return fmt.Errorf("%s: %w", kind, r.err)
	case kind == KindEmpty:
		return errors.New("response had no message content")
	default:
		return fmt.Errorf("%s (status %d)", kind, r.status)
	}
}
