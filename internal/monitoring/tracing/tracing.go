// Package tracing exports dispatch and credential-switch spans over OTLP/gRPC.
// Without an endpoint the global no-op provider stays in place.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"aistudio2api-go/internal/version"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "aistudio2api-go"

// ShutdownFunc flushes and stops the exporter.
type ShutdownFunc func(context.Context) error

// Options configures the exporter.
type Options struct {
	Endpoint     string
	Insecure     bool
	BatchTimeout time.Duration
}

// OptionsFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT and
// OTEL_EXPORTER_OTLP_INSECURE (default true, the collector usually runs as a
// sidecar).
func OptionsFromEnv() Options {
	opts := Options{
		Endpoint:     strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:     true,
		BatchTimeout: 5 * time.Second,
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))) {
	case "false", "0", "no":
		opts.Insecure = false
	}
	return opts
}

// Init sets up tracing from the environment.
func Init(ctx context.Context) (ShutdownFunc, error) {
	return Setup(ctx, OptionsFromEnv())
}

// Setup installs a batching OTLP provider as the global tracer provider. An
// empty endpoint leaves tracing disabled and returns a no-op shutdown.
func Setup(ctx context.Context, opts Options) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }
	if opts.Endpoint == "" {
		return noop, nil
	}

	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return noop, fmt.Errorf("otlp exporter: %w", err)
	}

	host, _ := os.Hostname()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version.Version),
			attribute.String("service.instance.id", host),
		),
		resource.WithProcess(),
		resource.WithFromEnv(),
	)
	if err != nil {
		return noop, fmt.Errorf("trace resource: %w", err)
	}

	batch := opts.BatchTimeout
	if batch <= 0 {
		batch = 5 * time.Second
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batch)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return provider.Shutdown, nil
}

func start(ctx context.Context, component, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(serviceName+"/"+component).Start(ctx, name, opts...)
}
