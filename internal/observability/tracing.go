// Package observability wires up OpenTelemetry tracing around the
// lifecycle operations worth correlating across a distributed run: pool
// processing, task processing, and checkpoint flushes.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName identifies this process to the tracing backend.
const ServiceName = "mechanic"

// InitTracing configures the global TracerProvider to export spans over
// OTLP/HTTP to endpoint. Call Shutdown on the returned provider at
// process exit to flush pending spans.
func InitTracing(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("observability: build otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Tracer returns the process-wide tracer for mechanic's own spans.
func Tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// StartPoolSpan wraps one pool's processing in a span.
func StartPoolSpan(ctx context.Context, poolID int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pool.process", trace.WithAttributes())
}

// StartTaskSpan wraps one task's processing in a span.
func StartTaskSpan(ctx context.Context, taskID int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "task.process")
}

// StartCheckpointSpan wraps one checkpoint flush in a span.
func StartCheckpointSpan(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "checkpoint.flush")
}
