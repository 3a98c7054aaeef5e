// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tracing

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// clearEnv clears any OTEL configuration that could exist in the environment.
func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OTEL_SDK_DISABLED", "")
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_SERVICE_NAME", "")
}

func TestNewTracingFromEnv_DefaultServiceName(t *testing.T) {
	tests := []struct {
		name              string
		env               map[string]string
		expectServiceName string
	}{
		{
			name: "default service name when OTEL_SERVICE_NAME not set",
			env: map[string]string{
				"OTEL_TRACES_EXPORTER": "console",
			},
			expectServiceName: "modelmux",
		},
		{
			name: "OTEL_SERVICE_NAME overrides default",
			env: map[string]string{
				"OTEL_TRACES_EXPORTER": "console",
				"OTEL_SERVICE_NAME":    "custom-service",
			},
			expectServiceName: "custom-service",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			var stdout bytes.Buffer
			result, err := NewTracingFromEnv(t.Context(), &stdout)
			require.NoError(t, err)
			t.Cleanup(func() {
				_ = result.Shutdown(t.Context())
			})

			// Start a span to trigger output.
			span := result.StartSpan(t.Context(), http.Header{}, "chat", "gpt-test")
			require.NotNil(t, span)
			span.EndSpan(200)

			output := stdout.String()
			require.Contains(t, output, `"service.name"`)
			require.Contains(t, output, tt.expectServiceName)
			require.Contains(t, output, "chat gpt-test")
		})
	}
}

func TestNewTracingFromEnv_Disabled(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "OTEL_SDK_DISABLED true",
			env: map[string]string{
				"OTEL_SDK_DISABLED":           "true",
				"OTEL_EXPORTER_OTLP_ENDPOINT": "http://localhost:4318", // Should be ignored.
			},
		},
		{
			name: "exporter none",
			env: map[string]string{
				"OTEL_TRACES_EXPORTER": "none",
			},
		},
		{
			name: "nothing configured",
			env:  map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			result, err := NewTracingFromEnv(t.Context(), nil)
			require.NoError(t, err)

			_, ok := result.(NoopTracing)
			require.True(t, ok, "expected NoopTracing")
			require.Nil(t, result.StartSpan(t.Context(), http.Header{}, "chat", "gpt-test"))
			require.NoError(t, result.Shutdown(t.Context()))
		})
	}
}

// newTestTracing returns a tracing graph whose finished spans are captured by
// the returned recorder.
func newTestTracing(t *testing.T) (Tracing, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() {
		_ = tp.Shutdown(t.Context())
	})
	return NewTracing(tp.Tracer("test"), autoprop.NewTextMapPropagator()), sr
}

func TestStartSpan(t *testing.T) {
	tr, sr := newTestTracing(t)

	headers := http.Header{}
	span := tr.StartSpan(t.Context(), headers, "messages", "claude-test")
	require.NotNil(t, span)

	// Trace context is injected for the upstream hop.
	require.NotEmpty(t, headers.Get("traceparent"))

	span.SetBackend("backend-a")
	span.EndSpan(200)

	ended := sr.Ended()
	require.Len(t, ended, 1)
	got := ended[0]
	require.Equal(t, "messages claude-test", got.Name())
	require.Equal(t, trace.SpanKindServer, got.SpanKind())

	attrs := map[string]any{}
	for _, kv := range got.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	require.Equal(t, "messages", attrs["gen_ai.operation.name"])
	require.Equal(t, "claude-test", attrs["gen_ai.request.model"])
	require.Equal(t, "backend-a", attrs["modelmux.backend.name"])
	require.Equal(t, int64(200), attrs["http.response.status_code"])
	require.Equal(t, codes.Unset, got.Status().Code)
}

func TestStartSpan_ParentFromHeaders(t *testing.T) {
	tr, sr := newTestTracing(t)

	headers := http.Header{}
	headers.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")

	span := tr.StartSpan(t.Context(), headers, "chat", "gpt-test")
	require.NotNil(t, span)
	span.EndSpan(200)

	ended := sr.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "0af7651916cd43dd8448eb211c80319c", ended[0].SpanContext().TraceID().String())
	require.Equal(t, "b7ad6b7169203331", ended[0].Parent().SpanID().String())

	// The injected traceparent names our span, not the inbound parent.
	require.Contains(t, headers.Get("traceparent"), ended[0].SpanContext().SpanID().String())
}

func TestStartSpan_NotSampled(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sr),
		sdktrace.WithSampler(sdktrace.NeverSample()),
	)
	t.Cleanup(func() {
		_ = tp.Shutdown(t.Context())
	})
	tr := NewTracing(tp.Tracer("test"), autoprop.NewTextMapPropagator())

	headers := http.Header{}
	span := tr.StartSpan(t.Context(), headers, "chat", "gpt-test")
	require.Nil(t, span)

	// Propagation still happens for unsampled spans.
	require.NotEmpty(t, headers.Get("traceparent"))
}

func TestEndSpanOnError(t *testing.T) {
	tr, sr := newTestTracing(t)

	span := tr.StartSpan(t.Context(), http.Header{}, "chat", "gpt-test")
	require.NotNil(t, span)
	span.EndSpanOnError(502, []byte(`{"detail": "all upstream attempts failed"}`))

	ended := sr.Ended()
	require.Len(t, ended, 1)
	got := ended[0]
	require.Equal(t, codes.Error, got.Status().Code)
	require.Equal(t, `{"detail": "all upstream attempts failed"}`, got.Status().Description)

	attrs := map[string]any{}
	for _, kv := range got.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	require.Equal(t, int64(502), attrs["http.response.status_code"])
}

func TestEndSpanOnError_TruncatesBody(t *testing.T) {
	tr, sr := newTestTracing(t)

	span := tr.StartSpan(t.Context(), http.Header{}, "chat", "gpt-test")
	require.NotNil(t, span)
	span.EndSpanOnError(500, bytes.Repeat([]byte("x"), errorBodyLimit+100))

	ended := sr.Ended()
	require.Len(t, ended, 1)
	require.Len(t, ended[0].Status().Description, errorBodyLimit)
}
