// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package translator converts between the upstream OpenAI chat completions
// protocol and the dialects the proxy serves to clients: Anthropic Messages
// and Open Responses. Request translators build the outbound chat request
// from an inbound Messages or Responses request; the stream adapters consume
// upstream SSE chunks and emit the client dialect's events; the response
// translators build the non-streaming reply bodies.
package translator

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"log/slog"

	"github.com/modelmux/modelmux/internal/apischema/openai"
)

// SSE framing literals shared by the chunk scanners and event writers.
var (
	sseDataPrefix  = []byte("data: ")
	sseDoneMessage = []byte("[DONE]")
)

// appendSSEEvent appends one "event: <type>\ndata: <json>\n\n" frame to out.
func appendSSEEvent(out *[]byte, eventType string, data []byte) {
	*out = append(*out, "event: "...)
	*out = append(*out, eventType...)
	*out = append(*out, '\n')
	*out = append(*out, sseDataPrefix...)
	*out = append(*out, data...)
	*out = append(*out, '\n', '\n')
}

// sseEventData extracts the payload of one SSE event block: the last
// non-empty "data: " line, which tolerates comment lines and upstreams that
// prepend their own "event:" framing. done reports the [DONE] sentinel, which
// is consumed rather than returned.
func sseEventData(block []byte) (data []byte, done bool) {
	for line := range bytes.SplitSeq(block, []byte("\n")) {
		if after, ok := bytes.CutPrefix(line, sseDataPrefix); ok {
			if d := bytes.TrimSpace(after); len(d) > 0 {
				data = d
			}
		}
	}
	if bytes.Equal(data, sseDoneMessage) {
		return nil, true
	}
	return data, false
}

// newHexID returns prefix followed by 24 hex characters of randomness, the
// shape used for synthesized message, response and tool call identifiers.
func newHexID(prefix string) string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return prefix + hex.EncodeToString(b[:])
}

// meaningfulDelta reports whether a streaming delta carries anything that
// should start a message: a role announcement, content, or a tool call.
func meaningfulDelta(d *openai.ChatCompletionResponseChunkChoiceDelta) bool {
	return d != nil && (d.Role != "" || d.Content != nil || len(d.ToolCalls) > 0)
}

// textChunks flattens a streaming delta content value into its text pieces.
// Upstreams emit a plain string, a single {type,text} part, or a list of
// parts; non-text parts are skipped with a warning.
func textChunks(content *openai.StreamDeltaContent, logger *slog.Logger) []string {
	if content == nil {
		return nil
	}
	if content.Text != nil {
		if *content.Text == "" {
			return nil
		}
		return []string{*content.Text}
	}
	var chunks []string
	for _, part := range content.Parts {
		if part.Type != openai.ChatCompletionContentPartTypeText && part.Type != "" {
			logger.Warn("skipping non-text delta content part", slog.String("type", part.Type))
			continue
		}
		if part.Text != "" {
			chunks = append(chunks, part.Text)
		}
	}
	return chunks
}

func ptrTo[T any](v T) *T { return &v }
