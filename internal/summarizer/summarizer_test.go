package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-summarizer/internal/apperr"
)

type fakeLLM struct {
	calls   atomic.Int32
	handler func(n int, w http.ResponseWriter, r *http.Request)

	mu      sync.Mutex
	headers http.Header
	body    map[string]any
}

func newFakeLLM(t *testing.T, handler func(n int, w http.ResponseWriter, r *http.Request)) (*fakeLLM, *httptest.Server) {
	t.Helper()
	f := &fakeLLM{handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(f.calls.Add(1))
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		f.mu.Lock()
		f.headers = r.Header.Clone()
		f.body = body
		f.mu.Unlock()
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		f.handler(n, w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "gen-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "deepseek/deepseek-chat-v3-0324",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
}

func writeAPIError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error","code":"nope","param":""}}`))
}

func hang(w http.ResponseWriter, r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-time.After(2 * time.Second):
		writeCompletion(w, "too late")
	}
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Model:          "deepseek/deepseek-chat-v3-0324",
		MaxTokens:      256,
		Temperature:    0.2,
		MaxAttempts:    3,
		BaseDelay:      10 * time.Millisecond,
		MaxDelay:       time.Second,
		AttemptTimeout: time.Second,
		CallTimeout:    5 * time.Second,
	}
}

func TestSummarize_Success(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeLLM(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeCompletion(w, "  # Title\n\n- point  ")
	})
	client := New(testConfig(srv.URL), srv.Client(), nil)

	out, err := client.Summarize(context.Background(), Request{
		APIKey:     "sk-test",
		Prompt:     "summarize me",
		SourceURL:  "https://example.com/post",
		SourceName: "page-summarizer",
	})
	require.NoError(t, err)
	require.Equal(t, "# Title\n\n- point", out)
	require.EqualValues(t, 1, fake.calls.Load())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Equal(t, "Bearer sk-test", fake.headers.Get("Authorization"))
	require.Equal(t, "https://example.com/post", fake.headers.Get("HTTP-Referer"))
	require.Equal(t, "page-summarizer", fake.headers.Get("X-Title"))
	require.Equal(t, "deepseek/deepseek-chat-v3-0324", fake.body["model"])
	messages, ok := fake.body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	user, ok := messages[1].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "user", user["role"])
	require.Equal(t, "summarize me", user["content"])
}

func TestSummarize_AuthFailuresAreTerminal(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		fake, srv := newFakeLLM(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
			writeAPIError(w, status)
		})
		client := New(testConfig(srv.URL), srv.Client(), nil)

		_, err := client.Summarize(context.Background(), Request{APIKey: "bad", Prompt: "p"})
		require.Error(t, err)
		require.True(t, apperr.Is(err, apperr.KindSummarization))
		require.Contains(t, err.Error(), "auth")
		require.EqualValues(t, 1, fake.calls.Load(), "status %d must not be retried", status)
	}
}

func TestSummarize_TwoTimeoutsThenSuccess(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeLLM(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n <= 2 {
			hang(w, r)
			return
		}
		writeCompletion(w, "# Recovered")
	})
	cfg := testConfig(srv.URL)
	cfg.AttemptTimeout = 50 * time.Millisecond
	cfg.BaseDelay = 20 * time.Millisecond
	client := New(cfg, srv.Client(), nil)

	start := time.Now()
	out, err := client.Summarize(context.Background(), Request{APIKey: "k", Prompt: "p"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, "# Recovered", out)
	require.EqualValues(t, 3, fake.calls.Load())
	backoffs := client.policy.Backoff(0) + client.policy.Backoff(1)
	require.GreaterOrEqual(t, elapsed, backoffs+2*cfg.AttemptTimeout)
}

func TestSummarize_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeLLM(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusBadGateway)
	})
	client := New(testConfig(srv.URL), srv.Client(), nil)

	_, err := client.Summarize(context.Background(), Request{APIKey: "k", Prompt: "p"})
	require.True(t, apperr.Is(err, apperr.KindSummarization))
	require.Contains(t, err.Error(), "after 3 attempts (last: status)")
	require.EqualValues(t, 3, fake.calls.Load())
}

func TestSummarize_EmptyContentIsRetried(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeLLM(t, func(n int, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			writeCompletion(w, "   ")
			return
		}
		writeCompletion(w, "# Second")
	})
	client := New(testConfig(srv.URL), srv.Client(), nil)

	out, err := client.Summarize(context.Background(), Request{APIKey: "k", Prompt: "p"})
	require.NoError(t, err)
	require.Equal(t, "# Second", out)
	require.EqualValues(t, 2, fake.calls.Load())
}

func TestSummarize_MissingChoicesAndBadJSON(t *testing.T) {
	t.Parallel()

	_, srv := newFakeLLM(t, func(n int, w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":`))
	})
	cfg := testConfig(srv.URL)
	cfg.MaxAttempts = 2
	client := New(cfg, srv.Client(), nil)

	_, err := client.Summarize(context.Background(), Request{APIKey: "k", Prompt: "p"})
	require.True(t, apperr.Is(err, apperr.KindSummarization))
	require.Contains(t, err.Error(), "last: decode")
}

func TestSummarize_MissingAPIKey(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeLLM(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeCompletion(w, "# never")
	})
	client := New(testConfig(srv.URL), srv.Client(), nil)

	_, err := client.Summarize(context.Background(), Request{APIKey: " ", Prompt: "p"})
	require.True(t, apperr.Is(err, apperr.KindConfig))
	require.Zero(t, fake.calls.Load())
}

func TestSummarize_ParentCancelStopsDuringBackoff(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeLLM(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusInternalServerError)
	})
	cfg := testConfig(srv.URL)
	cfg.BaseDelay = time.Second
	client := New(cfg, srv.Client(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := client.Summarize(ctx, Request{APIKey: "k", Prompt: "p"})
	require.Less(t, time.Since(start), 900*time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, apperr.Is(err, apperr.KindSummarization))
	require.EqualValues(t, 1, fake.calls.Load())
}

func TestSummarize_CallTimeoutBoundsLoop(t *testing.T) {
	t.Parallel()

	_, srv := newFakeLLM(t, hangHandler)
	cfg := testConfig(srv.URL)
	cfg.AttemptTimeout = 40 * time.Millisecond
	cfg.CallTimeout = 70 * time.Millisecond
	cfg.BaseDelay = 5 * time.Millisecond
	client := New(cfg, srv.Client(), nil)

	_, err := client.Summarize(context.Background(), Request{APIKey: "k", Prompt: "p"})
	require.True(t, apperr.Is(err, apperr.KindSummarization))
	require.Contains(t, err.Error(), "timed out")
}

func TestSummarize_BackoffSchedule(t *testing.T) {
	t.Parallel()

	_, srv := newFakeLLM(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusTooManyRequests)
	})
	cfg := testConfig(srv.URL)
	cfg.BaseDelay = 500 * time.Millisecond
	client := New(cfg, srv.Client(), nil)

	var waits []time.Duration
	client.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := client.Summarize(context.Background(), Request{APIKey: "k", Prompt: "p"})
	require.Error(t, err)
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, waits)
}

func hangHandler(_ int, w http.ResponseWriter, r *http.Request) {
	hang(w, r)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	transportErr := errors.New("connection refused")
	cases := []struct {
		name string
		res  callResult
		step step
		kind ErrorKind
	}{
		{"success", callResult{text: "# ok", status: 200}, stepSuccess, ""},
		{"unauthorized", callResult{status: 401, err: transportErr}, stepTerminal, KindAuth},
		{"forbidden", callResult{status: 403, err: transportErr}, stepTerminal, KindAuth},
		{"attempt timeout", callResult{err: context.DeadlineExceeded, timedOut: true}, stepRetry, KindTimeout},
		{"transport", callResult{err: transportErr}, stepRetry, KindTransport},
		{"server error", callResult{status: 503, err: transportErr}, stepRetry, KindStatus},
		{"rate limited", callResult{status: 429, err: transportErr}, stepRetry, KindStatus},
		{"decode", callResult{status: 200, err: errors.New("error parsing response json")}, stepRetry, KindDecode},
		{"empty", callResult{status: 200}, stepRetry, KindEmpty},
	}
	for _, tc := range cases {
		gotStep, gotKind := classify(tc.res)
		require.Equal(t, tc.step, gotStep, tc.name)
		require.Equal(t, tc.kind, gotKind, tc.name)
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 3 * time.Second}
	require.Equal(t, 500*time.Millisecond, p.Backoff(0))
	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(2))
	require.Equal(t, 3*time.Second, p.Backoff(3), "capped")
	require.Zero(t, p.Backoff(-1))
	require.Zero(t, RetryPolicy{}.Backoff(2))
}

func TestEnsureMarkdown(t *testing.T) {
	t.Parallel()

	require.Equal(t, "# Already\n\nbody", EnsureMarkdown("# Already\n\nbody"))
	require.Equal(t, "# Padded", EnsureMarkdown("  \n# Padded\n "))
	require.Equal(t, "# Short title\n\nShort title\nmore text", EnsureMarkdown("Short title\nmore text"))
	require.Equal(t, "# Summary\n\n", EnsureMarkdown(""))

	long := "This first line is far too long to be used as a heading for the summary"
	require.Equal(t, "# Summary\n\n"+long+"\nrest", EnsureMarkdown(long+"\nrest"))
}
