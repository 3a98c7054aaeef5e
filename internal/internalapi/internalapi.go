// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package internalapi holds constants shared across internal packages.
package internalapi

import "time"

const (
	// ContentTypeJSON is the default content type for upstream requests.
	ContentTypeJSON = "application/json"
	// ContentTypeEventStream is the content type of SSE responses.
	ContentTypeEventStream = "text/event-stream"

	// FlushTimeout bounds one background flush (log file write plus row
	// insert) so shutdown cannot hang on a stuck sink.
	FlushTimeout = 10 * time.Second

	// ToolCallIDPrefix prefixes synthesized Anthropic-style tool-use ids.
	ToolCallIDPrefix = "toolu_"
	// MessageIDPrefix prefixes synthesized Responses output message ids.
	MessageIDPrefix = "msg_"
	// ResponseIDPrefix prefixes synthesized Responses response ids.
	ResponseIDPrefix = "resp_"
	// FunctionCallIDPrefix prefixes synthesized Responses function-call ids.
	FunctionCallIDPrefix = "fc_"
	// CallIDPrefix prefixes synthesized tool call_ids when the provider
	// omits one.
	CallIDPrefix = "call_"
	// ChatCompletionIDPrefix prefixes synthesized chat completion ids.
	ChatCompletionIDPrefix = "chatcmpl-"
)
