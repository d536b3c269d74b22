package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for spans emitted by this module.
const TracerName = "github.com/JakeFAU/page-summarizer"

// TracingConfig selects where finished spans go.
type TracingConfig struct {
	ServiceName string
	Version     string
	// OTLPEndpoint is a collector base URL; spans are batched to <endpoint>/v1/traces.
	OTLPEndpoint string
	// Stdout writes each finished span as JSON to Writer (os.Stdout when nil).
	Stdout bool
	Writer io.Writer
	// SampleRatio applies to root spans; zero or >= 1 samples everything.
	SampleRatio float64
	// Exporter, when set, receives spans synchronously instead of the
	// configured exporters.
	Exporter sdktrace.SpanExporter
}

// InitTracerProvider installs a global tracer provider tagged with the
// service name and version, plus the W3C trace-context propagator used by
// the instrumented outbound transport. With no exporter configured spans are
// still sampled, so their context reaches the fetch target and the
// summarization endpoint through the traceparent header.
func InitTracerProvider(ctx context.Context, cfg TracingConfig) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}
	switch {
	case cfg.Exporter != nil:
		opts = append(opts, sdktrace.WithSyncer(cfg.Exporter))
	default:
		if cfg.OTLPEndpoint != "" {
			exp, err := newOTLPExporter(ctx, cfg.OTLPEndpoint)
			if err != nil {
				return nil, err
			}
			opts = append(opts, sdktrace.WithBatcher(exp))
		}
		if cfg.Stdout {
			w := cfg.Writer
			if w == nil {
				w = os.Stdout
			}
			exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
			}
			opts = append(opts, sdktrace.WithSyncer(exp))
		}
	}

	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// newOTLPExporter targets endpoint over OTLP/HTTP; plain http endpoints are
// sent without TLS.
func newOTLPExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid otlp endpoint %q", endpoint)
	}
	if strings.Trim(u.Path, "/") == "" {
		u.Path = "/v1/traces"
	}
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(u.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}
	return exp, nil
}

// Tracer returns the module tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
