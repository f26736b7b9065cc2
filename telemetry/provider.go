package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures span export.
type ProviderConfig struct {
	// ServiceName defaults to OTEL_SERVICE_NAME, then "ttbridge".
	ServiceName    string
	ServiceVersion string

	// Endpoint is host:port of the collector. Defaults to
	// OTEL_EXPORTER_OTLP_ENDPOINT; a scheme prefix is ignored.
	Endpoint string

	// Protocol is "grpc" (default) or "http".
	Protocol string
	Insecure bool

	// Debug includes task checkpoints in span attributes.
	Debug bool

	// SampleRate is the fraction of root traces kept. Zero or one keeps everything.
	SampleRate float64
}

// Provider owns the SDK tracer provider installed by InitProvider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider builds an OTLP exporter and installs a batching tracer
// provider plus W3C trace-context and baggage propagation as the process
// globals. Call Shutdown to flush before exit.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	endpoint := firstNonEmpty(cfg.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return nil, fmt.Errorf("telemetry endpoint not configured (set endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}
	for _, scheme := range []string{"http://", "https://"} {
		endpoint = strings.TrimPrefix(endpoint, scheme)
	}

	exporter, err := newExporter(ctx, endpoint, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(firstNonEmpty(cfg.ServiceName, os.Getenv("OTEL_SERVICE_NAME"), "ttbridge")),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.ServiceInstanceID(uuid.NewString()),
		),
	)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p := &Provider{tp: tp, tracer: NewTracerFromProvider(tp, cfg.Debug)}
	SetGlobalTracer(p.tracer)
	return p, nil
}

func newExporter(ctx context.Context, endpoint string, cfg ProviderConfig) (sdktrace.SpanExporter, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown protocol: %s (use 'grpc' or 'http')", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s exporter: %w", firstNonEmpty(cfg.Protocol, "grpc"), err)
	}
	return exporter, nil
}

// Sampler keeps rate of root traces and follows the parent decision otherwise.
func Sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the bridge tracer backed by this provider.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
