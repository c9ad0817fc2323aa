// Package tracing configures OpenTelemetry trace export. When no
// collector endpoint is configured the provider is a no-op and spans
// cost nothing.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "odin.gateway"

// Config configures the trace provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	// Empty disables export entirely.
	Endpoint     string
	SampleRatio  float64
	Insecure     bool
	BatchTimeout time.Duration
}

// Provider owns the tracer provider lifecycle.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
	logger *slog.Logger
}

// Setup builds and registers the global trace provider. A zero Endpoint
// yields a disabled provider whose Tracer records nothing.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{logger: slog.Default().With("component", "tracing")}

	if cfg.Endpoint == "" {
		p.tracer = noop.NewTracerProvider().Tracer(instrumentationName)
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)

	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.tracer = p.tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.logger.InfoContext(ctx, "trace export enabled",
		"endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio, "insecure", cfg.Insecure)
	return p, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1.0:
		return sdktrace.AlwaysSample()
	case ratio <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

// Tracer returns the gateway tracer. Never nil.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes pending spans and releases the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
