package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTransportDefaults(t *testing.T) {
	t.Parallel()

	tr := NewTransport(Config{})
	require.Equal(t, 100, tr.MaxIdleConns)
	require.Equal(t, 10, tr.MaxIdleConnsPerHost)
	require.Equal(t, 90*time.Second, tr.IdleConnTimeout)
}

func TestNewTransportConfiguredPool(t *testing.T) {
	t.Parallel()

	tr := NewTransport(Config{MaxIdleConns: 7, MaxIdleConnsPerHost: 3, IdleConnTimeout: time.Second})
	require.Equal(t, 7, tr.MaxIdleConns)
	require.Equal(t, 3, tr.MaxIdleConnsPerHost)
	require.Equal(t, time.Second, tr.IdleConnTimeout)
}

func TestNewIsInstrumented(t *testing.T) {
	t.Parallel()

	client := New(Config{})
	require.Zero(t, client.Timeout)
	require.IsType(t, &otelhttp.Transport{}, client.Transport)
}

func TestNewPropagatesTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("traceparent")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	traceID, err := trace.TraceIDFromHex("2019a3a1c0ffee000000000000000001")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), parent)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := New(Config{}).Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	header := <-got
	require.NotEmpty(t, header)
	require.Contains(t, header, traceID.String())
}
