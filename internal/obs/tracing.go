// Package obs carries the runtime's ambient observability stack: tracing
// spans around dispatch/send/scheduler, Prometheus metrics, and the
// /health and /metrics HTTP surface, grounded on
// internal/observability.Init/StartSpanWithOtel and pkg/observability's
// metrics/health/server trio.
package obs

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName is used when TracingConfig.ServiceName is empty.
const DefaultServiceName = "eve"

var tracer trace.Tracer

// TracingConfig configures the tracer provider.
type TracingConfig struct {
	ServiceName string
	// Exporter selects "otlp", "stdout", or "none".
	Exporter     string
	OTLPEndpoint string
}

var tracerProvider *sdktrace.TracerProvider

// InitTracing sets up the global tracer provider per cfg. Calling it with
// Exporter "none" leaves tracing a documented no-op, matching the
// teacher's Observability disabled path.
func InitTracing(cfg TracingConfig) error {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}

	if cfg.Exporter == "" || cfg.Exporter == "none" {
		log.Println("[obs] tracing disabled")
		tracer = otel.GetTracerProvider().Tracer(name)
		return nil
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return fmt.Errorf("build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		client := otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		exporter, err = otlptrace.New(context.Background(), client)
		if err != nil {
			return fmt.Errorf("build otlp exporter: %w", err)
		}
		log.Printf("[obs] tracing initialized with otlp exporter (endpoint %s)", cfg.OTLPEndpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("build stdout exporter: %w", err)
		}
		log.Println("[obs] tracing initialized with stdout exporter")
	default:
		return fmt.Errorf("unknown exporter type %q", cfg.Exporter)
	}

	tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tracerProvider)
	tracer = tracerProvider.Tracer(name)
	return nil
}

// ShutdownTracing flushes and stops the tracer provider, if one was built.
func ShutdownTracing(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return tracerProvider.Shutdown(ctx)
}

// StartSpan opens a span named name under ctx, falling back to the global
// tracer provider (a no-op tracer until InitTracing runs) so callers never
// need a nil check.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	tr := tracer
	if tr == nil {
		tr = otel.GetTracerProvider().Tracer(DefaultServiceName)
	}
	return tr.Start(ctx, name, opts...)
}
