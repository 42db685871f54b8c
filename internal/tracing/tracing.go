// Package tracing wires OpenTelemetry span export. Disabled it
// installs nothing and Start returns pass-through spans.
package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/karuppusamym/LangOrch-sub000/internal/config"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

const tracerName = "github.com/karuppusamym/LangOrch-sub000"

// Setup installs the global tracer provider. The returned shutdown
// flushes pending spans; it is a no-op when tracing is disabled.
func Setup(cfg config.TracingConfig, logger *slog.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, errors.Wrap(err, "create span exporter")
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("langorchd"),
	))
	if err != nil {
		return nil, errors.Wrap(err, "build trace resource")
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	logger.Info("tracing enabled", "exporter", "stdout")
	return provider.Shutdown, nil
}

// StartRunSpan opens a span around one run execution attempt.
func StartRunSpan(ctx context.Context, runID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run.execute",
		trace.WithAttributes(attribute.String("run.id", runID)))
}
