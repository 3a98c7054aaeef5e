// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tracing configures OpenTelemetry trace spans for proxied requests.
package tracing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracing is the top-level tracing graph. Implementations are safe for
// concurrent use.
type Tracing interface {
	// StartSpan extracts any parent trace context from the incoming request
	// headers, starts a span for the named operation and injects the new trace
	// context back into headers so it propagates to the selected backend.
	// Returns nil when the span is not sampled.
	StartSpan(ctx context.Context, headers http.Header, operation, model string) Span
	// Shutdown flushes and stops the underlying provider.
	Shutdown(context.Context) error
}

// Span records the outcome of a single proxied request.
type Span interface {
	// SetBackend records the backend that served the request. On retries this
	// is called once per attempt, so the span keeps the final backend.
	SetBackend(name string)
	// EndSpan finishes the span with the final response status code.
	EndSpan(statusCode int)
	// EndSpanOnError finishes the span recording an error status and the
	// response body returned to the client.
	EndSpanOnError(statusCode int, body []byte)
}

// NoopTracing is a Tracing that records nothing.
type NoopTracing struct{}

// StartSpan implements the same method as documented on Tracing.
func (NoopTracing) StartSpan(context.Context, http.Header, string, string) Span { return nil }

// Shutdown implements the same method as documented on Tracing.
func (NoopTracing) Shutdown(context.Context) error { return nil }

var _ Tracing = (*tracingImpl)(nil)

type tracingImpl struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	// shutdown is nil when we didn't create tp.
	shutdown func(context.Context) error
}

// StartSpan implements the same method as documented on Tracing.
func (t *tracingImpl) StartSpan(ctx context.Context, headers http.Header, operation, model string) Span {
	// Extract trace context from incoming headers.
	parentCtx := t.propagator.Extract(ctx, propagation.HeaderCarrier(headers))

	// Span name per the gen_ai span conventions: "{operation} {model}".
	newCtx, span := t.tracer.Start(parentCtx, operation+" "+model,
		trace.WithSpanKind(trace.SpanKindServer),
	)

	// Always inject trace context so propagation works even for unsampled spans.
	t.propagator.Inject(newCtx, propagation.HeaderCarrier(headers))

	// Only record attributes if the span is sampled.
	if span.IsRecording() {
		span.SetAttributes(
			attrOperationName.String(operation),
			attrRequestModel.String(model),
		)
		return &requestSpan{span: span}
	}
	return nil
}

// Shutdown implements the same method as documented on Tracing.
func (t *tracingImpl) Shutdown(ctx context.Context) error {
	if t.shutdown != nil {
		return t.shutdown(ctx)
	}
	return nil
}

// NewTracingFromEnv configures OpenTelemetry tracing based on environment
// variables. Returns a tracing graph that is noop when disabled.
func NewTracingFromEnv(ctx context.Context, stdout io.Writer) (Tracing, error) {
	// Return no-op tracing if disabled or no exporter/endpoint is configured.
	exporter := os.Getenv("OTEL_TRACES_EXPORTER")
	if os.Getenv("OTEL_SDK_DISABLED") == "true" || exporter == "none" ||
		(exporter == "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "") {
		return NoopTracing{}, nil
	}

	// Create resource with service name, defaulting to "modelmux" if not set.
	// First create default resource, then one from env, then our fallback.
	// The merge order ensures env vars override our default.
	defaultRes := resource.Default()
	envRes, err := resource.New(ctx,
		resource.WithFromEnv(),      // Read OTEL_SERVICE_NAME and OTEL_RESOURCE_ATTRIBUTES.
		resource.WithTelemetrySDK(), // Add telemetry SDK info.
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource from env: %w", err)
	}

	// Only set our default if service.name wasn't set via env.
	fallbackRes := resource.NewSchemaless(
		semconv.ServiceName("modelmux"),
	)

	// Merge in order: default -> fallback -> env (env takes precedence).
	res, err := resource.Merge(defaultRes, fallbackRes)
	if err != nil {
		return nil, fmt.Errorf("failed to merge default resources: %w", err)
	}
	res, err = resource.Merge(res, envRes)
	if err != nil {
		return nil, fmt.Errorf("failed to merge env resource: %w", err)
	}

	// Create the tracer provider, special casing console for sync and tests.
	var tp *sdktrace.TracerProvider
	if exporter == "console" {
		stdoutExporter, err := stdouttrace.New(stdouttrace.WithWriter(stdout))
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(stdoutExporter),
			sdktrace.WithResource(res),
		)
	} else { // Configure exporter via ENV variables like OTEL_TRACES_EXPORTER.
		autoExporter, err := autoexport.NewSpanExporter(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
		// Configure batcher via ENV variables like OTEL_BSP_SCHEDULE_DELAY.
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(autoExporter),
			sdktrace.WithResource(res),
		)
	}

	return &tracingImpl{
		tracer: tp.Tracer("modelmux/modelmux"),
		// Configure propagation via the OTEL_PROPAGATORS ENV variable.
		propagator: autoprop.NewTextMapPropagator(),
		shutdown:   tp.Shutdown, // we have to shut down what we create.
	}, nil
}

// NewTracing builds a tracing graph from an existing tracer and propagator.
// Returns a tracing graph that does not own the provider, so Shutdown is a
// no-op.
func NewTracing(tracer trace.Tracer, propagator propagation.TextMapPropagator) Tracing {
	return &tracingImpl{
		tracer:     tracer,
		propagator: propagator,
		shutdown:   nil, // shutdown is nil when we didn't create tp.
	}
}
