// SPDX-License-Identifier: MIT

// Package tracing wraps the ambient OpenTelemetry tracer used to span
// each coordination-store round trip. The core never installs its own
// TracerProvider; it obtains a tracer from whatever provider the host
// process configured (defaulting to the global no-op provider) rather
// than owning one itself.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/rtib/cassandra-reaper/internal/coordstore"

// SetupConfig configures the process-wide TracerProvider. Only
// cmd/coordinatord calls Setup — the core packages never install a
// provider, only read the ambient one (see package doc).
type SetupConfig struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP/gRPC collector address (e.g. "localhost:4317").
	// Empty disables exporting: spans are still created but dropped by
	// a no-op provider.
	Endpoint string
}

// Shutdown stops the installed TracerProvider, flushing any batched
// spans. Safe to call on a no-op setup.
type Shutdown func(context.Context) error

// Setup installs the process-wide TracerProvider: a gRPC OTLP exporter
// when an endpoint is configured, otherwise the global no-op provider.
func Setup(ctx context.Context, cfg SetupConfig) (Shutdown, error) {
	if cfg.Endpoint == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(shutdownCtx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(shutdownCtx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	}, nil
}

// Tracer returns the coordination-store tracer from the global
// TracerProvider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartRoundTrip opens a span named after a statement, representing
// the single network round trip that statement execution performs.
func StartRoundTrip(ctx context.Context, backend, statement string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "coordstore."+statement,
		trace.WithAttributes(
			attribute.String("coordstore.backend", backend),
			attribute.String("coordstore.statement", statement),
		),
	)
}

// EndRoundTrip records the outcome on the span and ends it.
func EndRoundTrip(span trace.Span, applied bool, rowCount int, err error) {
	span.SetAttributes(
		attribute.Bool("coordstore.applied", applied),
		attribute.Int("coordstore.row_count", rowCount),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
