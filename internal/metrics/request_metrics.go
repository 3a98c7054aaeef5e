// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RequestMetrics records the lifecycle of a single proxied request. All
// endpoints share the same instrument set and differ only in the value of
// the gen_ai.operation.name attribute.
type RequestMetrics interface {
	// StartRequest initializes timing for a new request.
	StartRequest()
	// SetModel sets the model for the request. This is called after parsing the request body.
	SetModel(model string)
	// SetBackend sets the backend that served the request once the routing
	// decision has been made. On retries this is called again for each attempt,
	// so the recorded value is the backend that produced the final response.
	SetBackend(name string)

	// RecordTokenUsage records token usage metrics from the upstream usage block.
	RecordTokenUsage(ctx context.Context, inputTokens, outputTokens, totalTokens int)
	// RecordTokenLatency records latency metrics for token generation on streaming responses.
	RecordTokenLatency(ctx context.Context, tokens int)
	// RecordRequestCompletion records latency metrics for the entire request.
	RecordRequestCompletion(ctx context.Context, success bool)
}

// RequestMetricsFactory is a closure that creates a new RequestMetrics
// instance for the named operation.
type RequestMetricsFactory func(operation string) RequestMetrics

// NewRequestMetricsFactory returns a closure to create per-request metrics.
// Instruments are created once and shared by every instance the closure
// returns.
func NewRequestMetricsFactory(meter metric.Meter) RequestMetricsFactory {
	g := newGenAI(meter)
	return func(operation string) RequestMetrics {
		return &requestMetrics{
			metrics:   g,
			operation: operation,
			model:     "unknown",
			backend:   "unknown",
		}
	}
}

// requestMetrics is the implementation of RequestMetrics.
type requestMetrics struct {
	metrics        *genAI
	operation      string
	firstTokenSent bool
	requestStart   time.Time
	lastTokenTime  time.Time
	model          string
	backend        string
}

// StartRequest implements [RequestMetrics.StartRequest].
func (m *requestMetrics) StartRequest() {
	m.requestStart = time.Now()
	m.firstTokenSent = false
}

// SetModel implements [RequestMetrics.SetModel].
func (m *requestMetrics) SetModel(model string) {
	m.model = model
}

// SetBackend implements [RequestMetrics.SetBackend].
func (m *requestMetrics) SetBackend(name string) {
	m.backend = name
}

// buildAttributes creates the attribute set shared by every instrument.
// Backends all speak the OpenAI dialect, so gen_ai.system.name is constant
// and the configured backend name is reported separately.
func (m *requestMetrics) buildAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Key(genaiAttributeOperationName).String(m.operation),
		attribute.Key(genaiAttributeSystemName).String(genaiSystemOpenAI),
		attribute.Key(genaiAttributeRequestModel).String(m.model),
		attribute.Key(genaiAttributeBackendName).String(m.backend),
	}
}

// RecordTokenUsage implements [RequestMetrics.RecordTokenUsage].
func (m *requestMetrics) RecordTokenUsage(ctx context.Context, inputTokens, outputTokens, totalTokens int) {
	attrs := m.buildAttributes()

	m.metrics.tokenUsage.Record(ctx, float64(inputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeInput)),
	)
	m.metrics.tokenUsage.Record(ctx, float64(outputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeOutput)),
	)
	m.metrics.tokenUsage.Record(ctx, float64(totalTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeTotal)),
	)
}

// RecordTokenLatency implements [RequestMetrics.RecordTokenLatency].
func (m *requestMetrics) RecordTokenLatency(ctx context.Context, tokens int) {
	attrs := m.buildAttributes()

	if !m.firstTokenSent {
		m.firstTokenSent = true
		m.metrics.firstTokenLatency.Record(ctx, time.Since(m.requestStart).Seconds(), metric.WithAttributes(attrs...))
	} else if tokens > 0 {
		// Calculate time between tokens.
		itl := time.Since(m.lastTokenTime).Seconds() / float64(tokens)
		m.metrics.outputTokenLatency.Record(ctx, itl, metric.WithAttributes(attrs...))
	}
	m.lastTokenTime = time.Now()
}

// RecordRequestCompletion implements [RequestMetrics.RecordRequestCompletion].
func (m *requestMetrics) RecordRequestCompletion(ctx context.Context, success bool) {
	attrs := m.buildAttributes()

	if success {
		// According to the semantic conventions, the error attribute is not added for successful operations.
		m.metrics.requestLatency.Record(ctx, time.Since(m.requestStart).Seconds(), metric.WithAttributes(attrs...))
	} else {
		// There is no set of typed errors with low-cardinality values yet, so record the
		// placeholder. See: https://opentelemetry.io/docs/specs/semconv/attributes-registry/error/#error-type
		m.metrics.requestLatency.Record(ctx, time.Since(m.requestStart).Seconds(),
			metric.WithAttributes(attrs...),
			metric.WithAttributes(attribute.Key(genaiAttributeErrorType).String(genaiErrorTypeFallback)),
		)
	}
}
