// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package openai contains the OpenAI chat completions API schema used on the
// upstream side of every translation. Only the portion of the surface that the
// proxy reads or constructs is modeled; unknown fields in upstream payloads are
// preserved by forwarding raw bytes, not by round-tripping these structs.
//
// The types follow the API reference at
// https://platform.openai.com/docs/api-reference/chat
package openai

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/modelmux/modelmux/internal/json"
)

// Chat message roles.
const (
	ChatMessageRoleSystem    = "system"
	ChatMessageRoleDeveloper = "developer"
	ChatMessageRoleUser      = "user"
	ChatMessageRoleAssistant = "assistant"
	ChatMessageRoleTool      = "tool"
)

// ChatCompletionChoicesFinishReason is the reason the model stopped generating
// tokens in a choice.
type ChatCompletionChoicesFinishReason string

const (
	ChatCompletionChoicesFinishReasonStop          ChatCompletionChoicesFinishReason = "stop"
	ChatCompletionChoicesFinishReasonLength        ChatCompletionChoicesFinishReason = "length"
	ChatCompletionChoicesFinishReasonToolCalls     ChatCompletionChoicesFinishReason = "tool_calls"
	ChatCompletionChoicesFinishReasonContentFilter ChatCompletionChoicesFinishReason = "content_filter"
)

// JSONUNIXTime is a time.Time that marshals to a UNIX timestamp in seconds.
// Some providers emit fractional timestamps, so unmarshalling accepts floats
// and truncates to seconds.
type JSONUNIXTime time.Time

// MarshalJSON implements json.Marshaler.
func (t JSONUNIXTime) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, time.Time(t).Unix(), 10), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *JSONUNIXTime) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to unmarshal unix timestamp: %w", err)
	}
	*t = JSONUNIXTime(time.Unix(int64(f), 0))
	return nil
}

// ChatCompletionRequest is the request body of POST /v1/chat/completions. It is
// what the message and response translators construct when an inbound request
// arrives on a non-chat protocol.
type ChatCompletionRequest struct {
	// Model is the model routing key, rewritten to the backend deployment name
	// before the request leaves the proxy.
	Model string `json:"model"`
	// Messages is the conversation so far.
	Messages []ChatCompletionMessageParamUnion `json:"messages"`
	// MaxTokens is deprecated upstream in favor of MaxCompletionTokens but still
	// widely accepted, so translators keep populating it.
	MaxTokens           *int64 `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int64 `json:"max_completion_tokens,omitempty"`
	// Stop is either a string or a list of up to four stop sequences.
	Stop              any            `json:"stop,omitempty"`
	Stream            bool           `json:"stream,omitempty"`
	StreamOptions     *StreamOptions `json:"stream_options,omitempty"`
	Temperature       *float64       `json:"temperature,omitempty"`
	TopP              *float64       `json:"top_p,omitempty"`
	ParallelToolCalls *bool          `json:"parallel_tool_calls,omitempty"`
	Tools             []Tool         `json:"tools,omitempty"`
	// ToolChoice is "none", "auto", "required", or a named-tool object.
	ToolChoice any    `json:"tool_choice,omitempty"`
	User       string `json:"user,omitempty"`
}

// StreamOptions controls streaming behavior of a chat completions request.
type StreamOptions struct {
	// IncludeUsage asks the provider to append a final chunk carrying token
	// usage before [DONE].
	IncludeUsage bool `json:"include_usage"`
}

// ToolTypeFunction is the only tool type chat completions defines today.
const ToolTypeFunction = "function"

// Tool is a tool the model may call. Only function tools exist today.
type Tool struct {
	Type     string              `json:"type"`
	Function *FunctionDefinition `json:"function,omitempty"`
}

// FunctionDefinition describes a callable function exposed to the model.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      bool           `json:"strict,omitempty"`
}

// ToolChoiceFunction names a specific tool in a {"type":"function"} tool_choice.
type ToolChoiceFunction struct {
	Type     string                 `json:"type"`
	Function ToolChoiceFunctionName `json:"function"`
}

// ToolChoiceFunctionName is the inner function reference of ToolChoiceFunction.
type ToolChoiceFunctionName struct {
	Name string `json:"name"`
}

// ChatCompletionMessageParamUnion is a single element of the "messages" array.
// The wire representation is discriminated by the "role" field; Value holds one
// of the concrete *MessageParam types and Type holds the role.
type ChatCompletionMessageParamUnion struct {
	Value any
	Type  string
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ChatCompletionMessageParamUnion) UnmarshalJSON(data []byte) error {
	roleResult := gjson.GetBytes(data, "role")
	if !roleResult.Exists() {
		return fmt.Errorf("chat message does not have role")
	}
	role := roleResult.String()
	switch role {
	case ChatMessageRoleSystem:
		var v ChatCompletionSystemMessageParam
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		c.Value, c.Type = v, role
	case ChatMessageRoleDeveloper:
		var v ChatCompletionDeveloperMessageParam
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		c.Value, c.Type = v, role
	case ChatMessageRoleUser:
		var v ChatCompletionUserMessageParam
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		c.Value, c.Type = v, role
	case ChatMessageRoleAssistant:
		var v ChatCompletionAssistantMessageParam
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		c.Value, c.Type = v, role
	case ChatMessageRoleTool:
		var v ChatCompletionToolMessageParam
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		c.Value, c.Type = v, role
	default:
		return fmt.Errorf("unknown ChatCompletionMessageParam type: %v", role)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c ChatCompletionMessageParamUnion) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Value)
}

// ChatCompletionSystemMessageParam is a developer-provided system message.
type ChatCompletionSystemMessageParam struct {
	Role    string        `json:"role"`
	Content StringOrArray `json:"content"`
	Name    string        `json:"name,omitempty"`
}

// ChatCompletionDeveloperMessageParam replaces the system role for o-series
// models. The proxy treats it as equivalent to system.
type ChatCompletionDeveloperMessageParam struct {
	Role    string        `json:"role"`
	Content StringOrArray `json:"content"`
	Name    string        `json:"name,omitempty"`
}

// ChatCompletionUserMessageParam is an end-user message, plain text or a list
// of content parts.
type ChatCompletionUserMessageParam struct {
	Role    string                       `json:"role"`
	Content StringOrUserRoleContentUnion `json:"content"`
	Name    string                       `json:"name,omitempty"`
}

// ChatCompletionToolMessageParam carries a tool result back to the model.
type ChatCompletionToolMessageParam struct {
	Role       string        `json:"role"`
	Content    StringOrArray `json:"content"`
	ToolCallID string        `json:"tool_call_id"`
}

// ChatCompletionAssistantMessageParam is a prior assistant turn, possibly with
// tool calls the assistant issued.
type ChatCompletionAssistantMessageParam struct {
	Role      string                               `json:"role"`
	Content   StringOrAssistantRoleContentUnion    `json:"content,omitempty"`
	Name      string                               `json:"name,omitempty"`
	ToolCalls []ChatCompletionMessageToolCallParam `json:"tool_calls,omitempty"`
}

// ChatCompletionAssistantMessageParamContent is a structured assistant content
// part, either text or a refusal.
type ChatCompletionAssistantMessageParamContent struct {
	Type    string  `json:"type"`
	Text    *string `json:"text,omitempty"`
	Refusal *string `json:"refusal,omitempty"`
}

// Assistant content part types.
const (
	ChatCompletionAssistantMessageParamContentTypeText    = "text"
	ChatCompletionAssistantMessageParamContentTypeRefusal = "refusal"
)

// ChatCompletionMessageToolCallParam is a tool call issued by the assistant.
type ChatCompletionMessageToolCallParam struct {
	// ID is a pointer because some providers omit it on non-stream responses.
	ID       *string                                    `json:"id,omitempty"`
	Type     ChatCompletionMessageToolCallType          `json:"type"`
	Function ChatCompletionMessageToolCallFunctionParam `json:"function"`
}

// ChatCompletionMessageToolCallType is always "function" today.
type ChatCompletionMessageToolCallType string

// ChatCompletionMessageToolCallTypeFunction is the only defined tool call type.
const ChatCompletionMessageToolCallTypeFunction ChatCompletionMessageToolCallType = "function"

// ChatCompletionMessageToolCallFunctionParam holds the function name and its
// arguments as a JSON-encoded string.
type ChatCompletionMessageToolCallFunctionParam struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ChatCompletionContentPartTextParam is a {"type":"text"} content part.
type ChatCompletionContentPartTextParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ChatCompletionContentPartTextTypeText is the type tag of text parts.
const ChatCompletionContentPartTextTypeText = "text"

// ChatCompletionContentPartImageParam is a {"type":"image_url"} content part.
type ChatCompletionContentPartImageParam struct {
	Type     string                                      `json:"type"`
	ImageURL ChatCompletionContentPartImageImageURLParam `json:"image_url"`
}

// ChatCompletionContentPartImageImageURLParam is the image reference, either a
// URL or a data: URI.
type ChatCompletionContentPartImageImageURLParam struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ChatCompletionContentPartInputAudioParam is a {"type":"input_audio"} part.
type ChatCompletionContentPartInputAudioParam struct {
	Type       string                                             `json:"type"`
	InputAudio ChatCompletionContentPartInputAudioInputAudioParam `json:"input_audio"`
}

// ChatCompletionContentPartInputAudioInputAudioParam carries base64 audio data.
type ChatCompletionContentPartInputAudioInputAudioParam struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// Content part type tags.
const (
	ChatCompletionContentPartTypeText       = "text"
	ChatCompletionContentPartTypeImageURL   = "image_url"
	ChatCompletionContentPartTypeInputAudio = "input_audio"
)

// ChatCompletionContentPartUserUnionParam is a single user content part,
// discriminated by the "type" field.
type ChatCompletionContentPartUserUnionParam struct {
	TextContent       *ChatCompletionContentPartTextParam
	ImageContent      *ChatCompletionContentPartImageParam
	InputAudioContent *ChatCompletionContentPartInputAudioParam
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ChatCompletionContentPartUserUnionParam) UnmarshalJSON(data []byte) error {
	typeResult := gjson.GetBytes(data, "type")
	if !typeResult.Exists() {
		return fmt.Errorf("chat content does not have type")
	}
	switch typ := typeResult.String(); typ {
	case ChatCompletionContentPartTypeText:
		var v ChatCompletionContentPartTextParam
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		c.TextContent = &v
	case ChatCompletionContentPartTypeImageURL:
		var v ChatCompletionContentPartImageParam
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		c.ImageContent = &v
	case ChatCompletionContentPartTypeInputAudio:
		var v ChatCompletionContentPartInputAudioParam
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		c.InputAudioContent = &v
	default:
		return fmt.Errorf("unknown ChatCompletionContentPartUnionParam type: %v", typ)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c ChatCompletionContentPartUserUnionParam) MarshalJSON() ([]byte, error) {
	switch {
	case c.TextContent != nil:
		return json.Marshal(c.TextContent)
	case c.ImageContent != nil:
		return json.Marshal(c.ImageContent)
	case c.InputAudioContent != nil:
		return json.Marshal(c.InputAudioContent)
	}
	return []byte("null"), nil
}

// ChatCompletionResponse is the response body of a non-streaming chat
// completion, https://platform.openai.com/docs/api-reference/chat/object.
type ChatCompletionResponse struct {
	ID      string                         `json:"id"`
	Object  string                         `json:"object"`
	Created JSONUNIXTime                   `json:"created"`
	Model   string                         `json:"model"`
	Choices []ChatCompletionResponseChoice `json:"choices"`
	Usage   ChatCompletionResponseUsage    `json:"usage"`
}

// ChatCompletionObject is the value of ChatCompletionResponse.Object.
const ChatCompletionObject = "chat.completion"

// ChatCompletionResponseChoice is one generated completion.
type ChatCompletionResponseChoice struct {
	Index        int64                               `json:"index"`
	Message      ChatCompletionResponseChoiceMessage `json:"message"`
	FinishReason ChatCompletionChoicesFinishReason   `json:"finish_reason"`
}

// ChatCompletionResponseChoiceMessage is the assistant message of a choice.
type ChatCompletionResponseChoiceMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content,omitempty"`
	Refusal *string `json:"refusal,omitempty"`
	// ReasoningContent is a non-standard field emitted by reasoning models
	// behind OpenAI-compatible servers such as DeepSeek and vLLM.
	ReasoningContent *string                              `json:"reasoning_content,omitempty"`
	ToolCalls        []ChatCompletionMessageToolCallParam `json:"tool_calls,omitempty"`
}

// ChatCompletionResponseUsage is the token accounting of a completion.
type ChatCompletionResponseUsage struct {
	CompletionTokens        int                      `json:"completion_tokens"`
	PromptTokens            int                      `json:"prompt_tokens"`
	TotalTokens             int                      `json:"total_tokens"`
	CompletionTokensDetails *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`
	PromptTokensDetails     *PromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
}

// CompletionTokensDetails breaks down the completion token count.
type CompletionTokensDetails struct {
	AcceptedPredictionTokens int `json:"accepted_prediction_tokens,omitempty"`
	AudioTokens              int `json:"audio_tokens,omitempty"`
	ReasoningTokens          int `json:"reasoning_tokens,omitempty"`
	RejectedPredictionTokens int `json:"rejected_prediction_tokens,omitempty"`
	TextTokens               int `json:"text_tokens,omitempty"`
}

// PromptTokensDetails breaks down the prompt token count.
type PromptTokensDetails struct {
	AudioTokens  int `json:"audio_tokens,omitempty"`
	CachedTokens int `json:"cached_tokens,omitempty"`
	TextTokens   int `json:"text_tokens,omitempty"`
}

// ChatCompletionResponseChunk is one SSE data payload of a streaming chat
// completion, https://platform.openai.com/docs/api-reference/chat/streaming.
type ChatCompletionResponseChunk struct {
	ID      string                              `json:"id"`
	Object  string                              `json:"object"`
	Created JSONUNIXTime                        `json:"created"`
	Model   string                              `json:"model,omitempty"`
	Choices []ChatCompletionResponseChunkChoice `json:"choices"`
	// Usage is non-nil only on the final usage chunk when the client asked for
	// it via stream_options.include_usage.
	Usage *ChatCompletionResponseUsage `json:"usage,omitempty"`
}

// ChatCompletionChunkObject is the value of ChatCompletionResponseChunk.Object.
const ChatCompletionChunkObject = "chat.completion.chunk"

// ChatCompletionResponseChunkChoice is one choice slot of a streaming chunk.
type ChatCompletionResponseChunkChoice struct {
	Index        int64                                   `json:"index"`
	Delta        *ChatCompletionResponseChunkChoiceDelta `json:"delta,omitempty"`
	FinishReason ChatCompletionChoicesFinishReason       `json:"finish_reason,omitempty"`
}

// ChatCompletionResponseChunkChoiceDelta is the incremental piece of the
// assistant message carried by a chunk.
type ChatCompletionResponseChunkChoiceDelta struct {
	Role    string              `json:"role,omitempty"`
	Content *StreamDeltaContent `json:"content,omitempty"`
	Refusal *string             `json:"refusal,omitempty"`
	// ReasoningContent mirrors the non-standard field of the non-streaming
	// response message.
	ReasoningContent *string                               `json:"reasoning_content,omitempty"`
	ToolCalls        []ChatCompletionResponseChunkToolCall `json:"tool_calls,omitempty"`
}

// ChatCompletionResponseChunkToolCall is an incremental tool call fragment.
// The first fragment of a call carries the id and function name; later
// fragments append to the arguments string.
type ChatCompletionResponseChunkToolCall struct {
	// Index correlates fragments of the same call across chunks. Providers that
	// only ever emit one call sometimes omit it, which readers treat as 0.
	Index    *int64                                     `json:"index,omitempty"`
	ID       string                                     `json:"id,omitempty"`
	Type     string                                     `json:"type,omitempty"`
	Function ChatCompletionMessageToolCallFunctionParam `json:"function"`
}

// StreamDeltaContent is the "content" value of a streaming delta. OpenAI emits
// a plain string, but OpenAI-compatible servers are also seen emitting a single
// content-part object or a list of parts, so all three shapes decode. Text is
// set for the string form; Parts for the object and list forms.
type StreamDeltaContent struct {
	Text  *string
	Parts []ChatCompletionContentPartTextParam
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *StreamDeltaContent) UnmarshalJSON(data []byte) error {
	i := skipLeadingWhitespace(data)
	if i >= len(data) {
		return fmt.Errorf("empty delta content")
	}
	switch data[i] {
	case '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		s.Text = &v
	case '{':
		var v ChatCompletionContentPartTextParam
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		s.Parts = []ChatCompletionContentPartTextParam{v}
	case '[':
		if err := json.Unmarshal(data, &s.Parts); err != nil {
			return err
		}
	case 'n': // null
		return nil
	default:
		return fmt.Errorf("unsupported delta content shape: %s", data)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s StreamDeltaContent) MarshalJSON() ([]byte, error) {
	if s.Parts != nil {
		return json.Marshal(s.Parts)
	}
	if s.Text != nil {
		return json.Marshal(*s.Text)
	}
	return []byte("null"), nil
}

// Model is one entry of the model listing,
// https://platform.openai.com/docs/api-reference/models/object.
type Model struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	OwnedBy string       `json:"owned_by"`
	Created JSONUNIXTime `json:"created"`
}

// ModelObject is the value of Model.Object.
const ModelObject = "model"

// ModelList is the response body of GET /v1/models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ModelListObject is the value of ModelList.Object.
const ModelListObject = "list"
