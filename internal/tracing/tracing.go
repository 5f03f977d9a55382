// Package tracing configures the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"os"

	"github.com/OFFIS-RIT/align/backend/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

type Config struct {
	ServiceName string
	// Endpoint is the OTLP gRPC collector address. Tracing stays a no-op
	// when it is empty.
	Endpoint string
	Insecure bool
	// SampleRate below 1 samples by trace id ratio.
	SampleRate float64
}

// Init installs a global tracer provider exporting over OTLP gRPC. The
// returned function flushes and shuts the provider down.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Debug("[Tracing] No OTLP endpoint configured, tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "align"
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := newResource(cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
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

	logger.Info("[Tracing] Exporting spans", "endpoint", cfg.Endpoint, "service", cfg.ServiceName)
	return tp.Shutdown, nil
}

// Sampler samples everything unless rate lies in (0,1).
func Sampler(rate float64) sdktrace.Sampler {
	if rate > 0 && rate < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
	return sdktrace.AlwaysSample()
}

func newResource(service string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostName(hostname))
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
}
