// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package anthropic contains the Anthropic Messages API schema served on the
// client side of the /v1/messages endpoint. Requests are parsed into these
// types before translation to chat completions, and responses are built from
// them, so the types cover both directions of the wire.
//
// The types follow the API reference at
// https://docs.anthropic.com/en/api/messages
package anthropic

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/modelmux/modelmux/internal/json"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types.
const (
	ContentBlockTypeText       = "text"
	ContentBlockTypeImage      = "image"
	ContentBlockTypeToolUse    = "tool_use"
	ContentBlockTypeToolResult = "tool_result"
	ContentBlockTypeThinking   = "thinking"
)

// StopReason is why generation stopped.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonRefusal      StopReason = "refusal"
)

// MessagesRequest is the request body of POST /v1/messages.
type MessagesRequest struct {
	Model    string         `json:"model"`
	Messages []MessageParam `json:"messages"`
	// MaxTokens is required by the API. It is a float64 because some clients
	// send it as a JSON float.
	MaxTokens     float64         `json:"max_tokens"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	System        *SystemPrompt   `json:"system,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	TopK          *int64          `json:"top_k,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
}

// Metadata is request metadata. Only user_id is defined by the API.
type Metadata struct {
	UserID *string `json:"user_id,omitempty"`
}

// ThinkingConfig enables extended thinking with a token budget.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int64  `json:"budget_tokens,omitempty"`
}

// ToolChoice controls whether and which tool the model must use.
type ToolChoice struct {
	Type string `json:"type"`
	// Name is set when Type is "tool".
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse *bool  `json:"disable_parallel_tool_use,omitempty"`
}

// Tool choice types.
const (
	ToolChoiceTypeAuto = "auto"
	ToolChoiceTypeAny  = "any"
	ToolChoiceTypeTool = "tool"
	ToolChoiceTypeNone = "none"
)

// Tool is a tool definition with a JSON schema for its input.
type Tool struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	InputSchema any     `json:"input_schema"`
}

// SystemPrompt is the system field, a plain string or a list of text blocks.
type SystemPrompt struct {
	Text   *string
	Blocks []SystemTextBlock
}

// SystemTextBlock is one block of a structured system prompt.
type SystemTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		s.Text = &v
		return nil
	}
	return json.Unmarshal(data, &s.Blocks)
}

// MarshalJSON implements json.Marshaler.
func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.Text != nil {
		return json.Marshal(*s.Text)
	}
	return json.Marshal(s.Blocks)
}

// Concatenated joins all text of the prompt into one string.
func (s *SystemPrompt) Concatenated() string {
	if s.Text != nil {
		return *s.Text
	}
	var out string
	for i, b := range s.Blocks {
		if i > 0 {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// MessageParam is one conversation turn.
type MessageParam struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is message content, a plain string or a list of content
// blocks.
type MessageContent struct {
	Text   *string
	Blocks []ContentBlockParam
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Text = &v
		return nil
	}
	return json.Unmarshal(data, &m.Blocks)
}

// MarshalJSON implements json.Marshaler.
func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Text != nil {
		return json.Marshal(*m.Text)
	}
	return json.Marshal(m.Blocks)
}

// ContentBlockParam is one request content block, discriminated by "type".
// Exactly one of the pointer fields is set. Unknown block types are dropped
// rather than rejected so that newer clients keep working.
type ContentBlockParam struct {
	Text       *TextBlockParam
	Image      *ImageBlockParam
	ToolUse    *ToolUseBlockParam
	ToolResult *ToolResultBlockParam
	Thinking   *ThinkingBlockParam
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ContentBlockParam) UnmarshalJSON(data []byte) error {
	switch typ := gjson.GetBytes(data, "type").String(); typ {
	case ContentBlockTypeText:
		c.Text = &TextBlockParam{}
		return json.Unmarshal(data, c.Text)
	case ContentBlockTypeImage:
		c.Image = &ImageBlockParam{}
		return json.Unmarshal(data, c.Image)
	case ContentBlockTypeToolUse:
		c.ToolUse = &ToolUseBlockParam{}
		return json.Unmarshal(data, c.ToolUse)
	case ContentBlockTypeToolResult:
		c.ToolResult = &ToolResultBlockParam{}
		return json.Unmarshal(data, c.ToolResult)
	case ContentBlockTypeThinking:
		c.Thinking = &ThinkingBlockParam{}
		return json.Unmarshal(data, c.Thinking)
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (c ContentBlockParam) MarshalJSON() ([]byte, error) {
	switch {
	case c.Text != nil:
		return json.Marshal(c.Text)
	case c.Image != nil:
		return json.Marshal(c.Image)
	case c.ToolUse != nil:
		return json.Marshal(c.ToolUse)
	case c.ToolResult != nil:
		return json.Marshal(c.ToolResult)
	case c.Thinking != nil:
		return json.Marshal(c.Thinking)
	}
	return []byte("null"), nil
}

// TextBlockParam is a {"type":"text"} block.
type TextBlockParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ImageBlockParam is a {"type":"image"} block with base64 or URL source.
type ImageBlockParam struct {
	Type   string      `json:"type"`
	Source ImageSource `json:"source"`
}

// ImageSource is the source of an image block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ToolUseBlockParam is a {"type":"tool_use"} block: a tool call the assistant
// issued in a prior turn.
type ToolUseBlockParam struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultBlockParam is a {"type":"tool_result"} block: the result of a tool
// call, sent by the user.
type ToolResultBlockParam struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	// Content is a plain string or a list of content blocks.
	Content *MessageContent `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// ThinkingBlockParam is a {"type":"thinking"} block from a prior assistant
// turn.
type ThinkingBlockParam struct {
	Type      string `json:"type"`
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

// MessagesResponse is the response body of a non-streaming message and the
// "message" object of the message_start stream event.
type MessagesResponse struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Role    string         `json:"role"`
	Model   string         `json:"model"`
	Content []ContentBlock `json:"content"`
	// StopReason and StopSequence are always present, null while streaming has
	// not finished.
	StopReason   *StopReason `json:"stop_reason"`
	StopSequence *string     `json:"stop_sequence"`
	Usage        Usage       `json:"usage"`
}

// MessageObjectType is the value of MessagesResponse.Type.
const MessageObjectType = "message"

// ContentBlock is one response content block. Text is a pointer so that the
// empty text of a content_block_start event still marshals.
type ContentBlock struct {
	Type string  `json:"type"`
	Text *string `json:"text,omitempty"`
	// ID, Name and Input are set on tool_use blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// Thinking is set on thinking blocks.
	Thinking *string `json:"thinking,omitempty"`
}

// Usage is the token accounting of a message.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Stream event types, in the order a well-formed stream emits them.
const (
	StreamEventTypeMessageStart      = "message_start"
	StreamEventTypeContentBlockStart = "content_block_start"
	StreamEventTypeContentBlockDelta = "content_block_delta"
	StreamEventTypeContentBlockStop  = "content_block_stop"
	StreamEventTypeMessageDelta      = "message_delta"
	StreamEventTypeMessageStop       = "message_stop"
	StreamEventTypePing              = "ping"
	StreamEventTypeError             = "error"
)

// MessageStartEvent opens a message stream.
type MessageStartEvent struct {
	Type    string           `json:"type"`
	Message MessagesResponse `json:"message"`
}

// ContentBlockStartEvent opens one content block.
type ContentBlockStartEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

// ContentBlockDeltaEvent carries an incremental piece of the block at Index.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

// BlockDelta is the delta payload of a content_block_delta event, a text_delta
// or an input_json_delta.
type BlockDelta struct {
	Type        string  `json:"type"`
	Text        string  `json:"text,omitempty"`
	PartialJSON *string `json:"partial_json,omitempty"`
	Thinking    string  `json:"thinking,omitempty"`
}

// Block delta types.
const (
	BlockDeltaTypeText      = "text_delta"
	BlockDeltaTypeInputJSON = "input_json_delta"
	BlockDeltaTypeThinking  = "thinking_delta"
)

// ContentBlockStopEvent closes the block at Index.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaEvent carries the final stop reason and output token count.
type MessageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta MessageDelta `json:"delta"`
	Usage DeltaUsage   `json:"usage"`
}

// MessageDelta is the delta payload of a message_delta event.
type MessageDelta struct {
	StopReason   *StopReason `json:"stop_reason"`
	StopSequence *string     `json:"stop_sequence"`
}

// DeltaUsage is the usage payload of a message_delta event.
type DeltaUsage struct {
	OutputTokens int64 `json:"output_tokens"`
}

// MessageStopEvent closes the stream.
type MessageStopEvent struct {
	Type string `json:"type"`
}

// Validate checks the request fields the API requires.
func (r *MessagesRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be a positive integer")
	}
	return nil
}
