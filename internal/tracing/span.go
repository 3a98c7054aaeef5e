// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	attrOperationName  = attribute.Key("gen_ai.operation.name")
	attrRequestModel   = attribute.Key("gen_ai.request.model")
	attrBackendName    = attribute.Key("modelmux.backend.name")
	attrResponseStatus = attribute.Key("http.response.status_code")
)

// errorBodyLimit caps the response body recorded on failed spans.
const errorBodyLimit = 1024

var _ Span = (*requestSpan)(nil)

type requestSpan struct {
	span trace.Span
}

// SetBackend implements the same method as documented on Span.
func (s *requestSpan) SetBackend(name string) {
	s.span.SetAttributes(attrBackendName.String(name))
}

// EndSpan implements the same method as documented on Span.
func (s *requestSpan) EndSpan(statusCode int) {
	s.span.SetAttributes(attrResponseStatus.Int(statusCode))
	s.span.End()
}

// EndSpanOnError implements the same method as documented on Span.
func (s *requestSpan) EndSpanOnError(statusCode int, body []byte) {
	if len(body) > errorBodyLimit {
		body = body[:errorBodyLimit]
	}
	s.span.SetAttributes(attrResponseStatus.Int(statusCode))
	s.span.SetStatus(codes.Error, string(body))
	s.span.End()
}
