// Package telemetry wires the OpenTelemetry tracer provider and maps the
// fabric's correlation ids onto trace ids so one message's effects share a
// trace across daemons.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Init installs a tracer provider. With no OTLP endpoint configured it
// installs a provider that records nothing but keeps span APIs usable.
// The returned func flushes and shuts the provider down.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	}

	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing enabled", "endpoint", endpoint, "service", serviceName)
	return tp.Shutdown, nil
}

// Tracer returns the shared tracer.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/nextlevelbuilder/agentd")
}

// ContextWithCorrelation returns ctx carrying a remote span context whose
// trace id is derived from correlationID, so spans started beneath it join
// the message's trace. An unparsable id yields ctx unchanged and the span
// gets a fresh trace.
func ContextWithCorrelation(ctx context.Context, correlationID string) context.Context {
	id, err := uuid.Parse(correlationID)
	if err != nil {
		return ctx
	}
	var tid trace.TraceID
	copy(tid[:], id[:])
	if !tid.IsValid() {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid,
		SpanID:  trace.SpanID{1}, // synthetic remote parent
		Remote:  true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

// NewCorrelationID returns a fresh correlation id for messages that start a
// new trace.
func NewCorrelationID() string {
	return uuid.NewString()
}
