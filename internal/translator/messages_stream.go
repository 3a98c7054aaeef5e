// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"bytes"
	"cmp"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelmux/modelmux/internal/apischema/anthropic"
	"github.com/modelmux/modelmux/internal/apischema/openai"
	"github.com/modelmux/modelmux/internal/internalapi"
	"github.com/modelmux/modelmux/internal/json"
)

// MessagesAdapter converts an upstream chat completions SSE stream into an
// Anthropic Messages SSE stream. Feed raw upstream bytes with Process; the
// returned bytes are complete Messages events ready to write to the client.
// The adapter is used by a single stream and is not safe for concurrent use.
type MessagesAdapter struct {
	logger *slog.Logger
	newID  func(prefix string) string

	buffer         bytes.Buffer
	messageStarted bool
	closingEmitted bool
	sawDone        bool
	messageID      string
	model          string
	requestModel   string
	stopReason     anthropic.StopReason
	inputTokens    int64
	outputTokens   int64

	blockIndex  int
	open        *openBlock
	blocks      []anthropic.ContentBlock
	activeTools map[int64]*messagesToolCall
}

// openBlock is the content block currently being streamed: a text block when
// tool is nil, a tool_use block otherwise.
type openBlock struct {
	text strings.Builder
	tool *messagesToolCall
}

// messagesToolCall accumulates the identity and arguments of one upstream
// tool call, keyed by the upstream tool_call index.
type messagesToolCall struct {
	blockIdx int
	id       string
	name     string
	args     strings.Builder
}

// NewMessagesAdapter returns an adapter for one stream. requestModel is the
// fallback reported to the client when upstream chunks carry no model.
func NewMessagesAdapter(requestModel string, logger *slog.Logger) *MessagesAdapter {
	return &MessagesAdapter{
		logger:       logger,
		newID:        newHexID,
		requestModel: requestModel,
		activeTools:  make(map[int64]*messagesToolCall),
	}
}

// Process consumes upstream SSE bytes, which may split events across calls,
// and returns the Messages events they produce. endOfStream flushes any
// buffered partial event and emits the closing events if the upstream never
// sent its usage chunk.
func (a *MessagesAdapter) Process(data []byte, endOfStream bool) ([]byte, error) {
	a.buffer.Write(data)
	var out []byte
	for {
		block, remaining, found := bytes.Cut(a.buffer.Bytes(), []byte("\n\n"))
		if !found {
			break
		}
		if err := a.processEventBlock(block, &out); err != nil {
			return nil, err
		}
		a.buffer.Reset()
		a.buffer.Write(remaining)
	}
	if endOfStream {
		if a.buffer.Len() > 0 {
			block := a.buffer.Bytes()
			a.buffer.Reset()
			if err := a.processEventBlock(block, &out); err != nil {
				return nil, err
			}
		}
		if !a.closingEmitted {
			if err := a.emitClosing(&out); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Message returns the materialized message mirroring the emitted events, for
// archival. Call after the stream has ended.
func (a *MessagesAdapter) Message() *anthropic.MessagesResponse {
	stopReason := a.stopReason
	if stopReason == "" {
		stopReason = anthropic.StopReasonEndTurn
	}
	blocks := a.blocks
	if blocks == nil {
		blocks = []anthropic.ContentBlock{}
	}
	return &anthropic.MessagesResponse{
		ID:         a.messageID,
		Type:       anthropic.MessageObjectType,
		Role:       anthropic.RoleAssistant,
		Model:      cmp.Or(a.model, a.requestModel),
		Content:    blocks,
		StopReason: &stopReason,
		Usage: anthropic.Usage{
			InputTokens:  a.inputTokens,
			OutputTokens: a.outputTokens,
		},
	}
}

func (a *MessagesAdapter) processEventBlock(block []byte, out *[]byte) error {
	if a.closingEmitted {
		return nil
	}
	data, done := sseEventData(block)
	if done {
		// Closing events are emitted on the usage chunk or at endOfStream.
		a.sawDone = true
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	var chunk openai.ChatCompletionResponseChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		// Skip malformed chunks.
		return nil
	}
	return a.handleChunk(&chunk, out)
}

func (a *MessagesAdapter) handleChunk(chunk *openai.ChatCompletionResponseChunk, out *[]byte) error {
	if chunk.ID != "" && a.messageID == "" {
		a.messageID = chunk.ID
	}
	if chunk.Model != "" && a.model == "" {
		a.model = chunk.Model
	}
	if chunk.Usage != nil {
		a.inputTokens = int64(chunk.Usage.PromptTokens)
		a.outputTokens = int64(chunk.Usage.CompletionTokens)
	}

	// A usage-only chunk is the upstream's last word before [DONE] when
	// stream_options.include_usage is set.
	if len(chunk.Choices) == 0 {
		if chunk.Usage != nil {
			return a.emitClosing(out)
		}
		return nil
	}

	choice := &chunk.Choices[0]
	delta := choice.Delta

	if !a.messageStarted && meaningfulDelta(delta) {
		if err := a.emitMessageStart(out); err != nil {
			return err
		}
	}

	if delta != nil {
		for _, text := range textChunks(delta.Content, a.logger) {
			if err := a.emitText(text, out); err != nil {
				return err
			}
		}
		for i := range delta.ToolCalls {
			if err := a.handleToolCallDelta(&delta.ToolCalls[i], out); err != nil {
				return err
			}
		}
	}

	if choice.FinishReason != "" {
		a.stopReason = StopReasonFromFinish(choice.FinishReason)
	}
	return nil
}

func (a *MessagesAdapter) emitMessageStart(out *[]byte) error {
	a.messageStarted = true
	if a.messageID == "" {
		a.messageID = a.newID(internalapi.MessageIDPrefix)
	}
	ev := anthropic.MessageStartEvent{
		Type: anthropic.StreamEventTypeMessageStart,
		Message: anthropic.MessagesResponse{
			ID:      a.messageID,
			Type:    anthropic.MessageObjectType,
			Role:    anthropic.RoleAssistant,
			Model:   cmp.Or(a.model, a.requestModel),
			Content: []anthropic.ContentBlock{},
			// Input tokens are not known yet; message_delta reports them.
			Usage: anthropic.Usage{},
		},
	}
	return a.appendEvent(anthropic.StreamEventTypeMessageStart, ev, out)
}

func (a *MessagesAdapter) emitText(text string, out *[]byte) error {
	if a.open != nil && a.open.tool != nil {
		// Text after tool calls starts a fresh text block.
		if err := a.closeOpenBlock(out); err != nil {
			return err
		}
	}
	if a.open == nil {
		if err := a.openTextBlock(out); err != nil {
			return err
		}
	}
	a.open.text.WriteString(text)
	ev := anthropic.ContentBlockDeltaEvent{
		Type:  anthropic.StreamEventTypeContentBlockDelta,
		Index: a.blockIndex,
		Delta: anthropic.BlockDelta{Type: anthropic.BlockDeltaTypeText, Text: text},
	}
	return a.appendEvent(anthropic.StreamEventTypeContentBlockDelta, ev, out)
}

func (a *MessagesAdapter) openTextBlock(out *[]byte) error {
	a.open = &openBlock{}
	ev := anthropic.ContentBlockStartEvent{
		Type:  anthropic.StreamEventTypeContentBlockStart,
		Index: a.blockIndex,
		ContentBlock: anthropic.ContentBlock{
			Type: anthropic.ContentBlockTypeText,
			Text: ptrTo(""),
		},
	}
	return a.appendEvent(anthropic.StreamEventTypeContentBlockStart, ev, out)
}

func (a *MessagesAdapter) handleToolCallDelta(tc *openai.ChatCompletionResponseChunkToolCall, out *[]byte) error {
	// Providers that only ever emit one call may omit the index.
	var idx int64
	if tc.Index != nil {
		idx = *tc.Index
	}
	tool, exists := a.activeTools[idx]
	if !exists {
		if err := a.closeOpenBlock(out); err != nil {
			return err
		}
		id := tc.ID
		if id == "" {
			id = a.newID(internalapi.ToolCallIDPrefix)
		}
		tool = &messagesToolCall{blockIdx: a.blockIndex, id: id, name: tc.Function.Name}
		a.activeTools[idx] = tool
		a.open = &openBlock{tool: tool}
		ev := anthropic.ContentBlockStartEvent{
			Type:  anthropic.StreamEventTypeContentBlockStart,
			Index: tool.blockIdx,
			ContentBlock: anthropic.ContentBlock{
				Type:  anthropic.ContentBlockTypeToolUse,
				ID:    tool.id,
				Name:  tool.name,
				Input: json.RawMessage(`{}`),
			},
		}
		if err := a.appendEvent(anthropic.StreamEventTypeContentBlockStart, ev, out); err != nil {
			return err
		}
	} else if tool.name == "" && tc.Function.Name != "" {
		tool.name = tc.Function.Name
	}

	if tc.Function.Arguments != "" {
		tool.args.WriteString(tc.Function.Arguments)
		ev := anthropic.ContentBlockDeltaEvent{
			Type:  anthropic.StreamEventTypeContentBlockDelta,
			Index: tool.blockIdx,
			Delta: anthropic.BlockDelta{
				Type:        anthropic.BlockDeltaTypeInputJSON,
				PartialJSON: ptrTo(tc.Function.Arguments),
			},
		}
		return a.appendEvent(anthropic.StreamEventTypeContentBlockDelta, ev, out)
	}
	return nil
}

// closeOpenBlock emits content_block_stop for the open block, records the
// materialized block, and advances the block index.
func (a *MessagesAdapter) closeOpenBlock(out *[]byte) error {
	if a.open == nil {
		return nil
	}
	a.blocks = append(a.blocks, a.open.materialize())
	a.open = nil
	ev := anthropic.ContentBlockStopEvent{
		Type:  anthropic.StreamEventTypeContentBlockStop,
		Index: a.blockIndex,
	}
	if err := a.appendEvent(anthropic.StreamEventTypeContentBlockStop, ev, out); err != nil {
		return err
	}
	a.blockIndex++
	return nil
}

func (b *openBlock) materialize() anthropic.ContentBlock {
	if b.tool != nil {
		return anthropic.ContentBlock{
			Type:  anthropic.ContentBlockTypeToolUse,
			ID:    b.tool.id,
			Name:  b.tool.name,
			Input: toolInputJSON(b.tool.args.String()),
		}
	}
	return anthropic.ContentBlock{
		Type: anthropic.ContentBlockTypeText,
		Text: ptrTo(b.text.String()),
	}
}

// emitClosing closes any open block and emits message_delta and message_stop.
// A stream that produced no content still yields a well-formed empty message.
func (a *MessagesAdapter) emitClosing(out *[]byte) error {
	if a.closingEmitted {
		return nil
	}
	a.closingEmitted = true

	if !a.messageStarted {
		if err := a.emitMessageStart(out); err != nil {
			return err
		}
	}
	if err := a.closeOpenBlock(out); err != nil {
		return err
	}
	if !a.sawDone && a.stopReason == "" {
		a.logger.Warn("upstream stream ended without finish_reason or [DONE]",
			slog.String("message_id", a.messageID))
	}

	stopReason := a.stopReason
	if stopReason == "" {
		stopReason = anthropic.StopReasonEndTurn
	}
	delta := anthropic.MessageDeltaEvent{
		Type:  anthropic.StreamEventTypeMessageDelta,
		Delta: anthropic.MessageDelta{StopReason: &stopReason},
		Usage: anthropic.DeltaUsage{OutputTokens: a.outputTokens},
	}
	if err := a.appendEvent(anthropic.StreamEventTypeMessageDelta, delta, out); err != nil {
		return err
	}
	stop := anthropic.MessageStopEvent{Type: anthropic.StreamEventTypeMessageStop}
	return a.appendEvent(anthropic.StreamEventTypeMessageStop, stop, out)
}

func (a *MessagesAdapter) appendEvent(eventType string, payload any, out *[]byte) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", eventType, err)
	}
	appendSSEEvent(out, eventType, data)
	return nil
}
