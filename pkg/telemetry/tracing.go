// Package telemetry wires OpenTelemetry tracing for the agent and server.
package telemetry

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/deployflow/pkg/config"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Options selects exporters for Setup.
type Options struct {
	ServiceName    string
	ServiceVersion string
	Tracing        config.TracingConfig
	Logger         zerolog.Logger
	// Extra processors, mainly a SpanRecorder in tests.
	Processors []sdktrace.SpanProcessor
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Setup installs a global tracer provider and W3C propagators. With no
// endpoint and LogSpans off, spans are sampled but dropped.
func Setup(ctx context.Context, opts Options) (ShutdownFunc, error) {
	ratio := opts.Tracing.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
	)

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	}

	if endpoint := opts.Tracing.Endpoint; endpoint != "" {
		exporter, err := newOTLPExporter(ctx, endpoint, opts.Tracing.Insecure)
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}
	if opts.Tracing.LogSpans {
		logger := opts.Logger.With().Str("component", "otel").Logger()
		providerOpts = append(providerOpts, sdktrace.WithSyncer(NewLogExporter(logger)))
	}
	for _, p := range opts.Processors {
		providerOpts = append(providerOpts, sdktrace.WithSpanProcessor(p))
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	return provider.Shutdown, nil
}

// newOTLPExporter accepts endpoints with or without a scheme; http://
// implies an insecure connection.
func newOTLPExporter(ctx context.Context, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
	ep := endpoint
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		ep = strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		ep = strings.TrimPrefix(endpoint, "http://")
		insecure = true
	}
	ep = strings.TrimRight(ep, "/")
	if ep == "" {
		return nil, errors.New("invalid OTLP endpoint")
	}
	clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep)}
	if insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, clientOpts...)
}
