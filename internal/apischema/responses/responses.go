// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package responses contains the Open Responses API schema served on the
// client side of the /v1/responses endpoint: the request and response objects,
// the typed input and output items, and the server-sent event payloads emitted
// while streaming.
package responses

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/modelmux/modelmux/internal/json"
)

// ResponseObject is the value of Response.Object.
const ResponseObject = "response"

// Response statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusIncomplete = "incomplete"
)

// Item and content part types.
const (
	ItemTypeMessage            = "message"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"

	ContentPartTypeInputText   = "input_text"
	ContentPartTypeInputImage  = "input_image"
	ContentPartTypeOutputText  = "output_text"
	ContentPartTypeRefusal     = "refusal"
	ContentPartTypeReasoning   = "reasoning_text"
	ContentPartTypeSummaryText = "summary_text"
)

// Request is the request body of POST /v1/responses.
type Request struct {
	Model string `json:"model"`
	// Input is the new user input, a plain string or a list of input items.
	Input              InputUnion     `json:"input,omitzero"`
	Instructions       *string        `json:"instructions,omitempty"`
	MaxOutputTokens    *int64         `json:"max_output_tokens,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	ParallelToolCalls  *bool          `json:"parallel_tool_calls,omitempty"`
	PreviousResponseID *string        `json:"previous_response_id,omitempty"`
	Store              *bool          `json:"store,omitempty"`
	Stream             bool           `json:"stream,omitempty"`
	Temperature        *float64       `json:"temperature,omitempty"`
	ToolChoice         any            `json:"tool_choice,omitempty"`
	Tools              []Tool         `json:"tools,omitempty"`
	TopP               *float64       `json:"top_p,omitempty"`
}

// Validate checks the request fields the endpoint requires.
func (r *Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.Input.Text == nil && len(r.Input.Items) == 0 {
		return fmt.Errorf("input is required")
	}
	return nil
}

// Tool is a tool definition. Unlike chat completions, Responses function tools
// are flattened: name and parameters sit directly on the tool.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      bool           `json:"strict,omitempty"`
}

// InputUnion is the request input, a plain string or a list of input items.
type InputUnion struct {
	Text  *string
	Items []InputItem
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *InputUnion) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		u.Text = &v
		return nil
	}
	return json.Unmarshal(data, &u.Items)
}

// MarshalJSON implements json.Marshaler.
func (u InputUnion) MarshalJSON() ([]byte, error) {
	if u.Text != nil {
		return json.Marshal(*u.Text)
	}
	return json.Marshal(u.Items)
}

// IsZero reports whether the input is absent, for omitzero.
func (u InputUnion) IsZero() bool {
	return u.Text == nil && u.Items == nil
}

// InputItem is one element of the request input list, discriminated by "type".
// Items without a type but with a role are treated as messages, which is how
// clients commonly send conversation history.
type InputItem struct {
	Message            *InputMessage
	FunctionCall       *FunctionCallItem
	FunctionCallOutput *FunctionCallOutputItem
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *InputItem) UnmarshalJSON(data []byte) error {
	typ := gjson.GetBytes(data, "type").String()
	if typ == "" && gjson.GetBytes(data, "role").Exists() {
		typ = ItemTypeMessage
	}
	switch typ {
	case ItemTypeMessage:
		i.Message = &InputMessage{}
		return json.Unmarshal(data, i.Message)
	case ItemTypeFunctionCall:
		i.FunctionCall = &FunctionCallItem{}
		return json.Unmarshal(data, i.FunctionCall)
	case ItemTypeFunctionCallOutput:
		i.FunctionCallOutput = &FunctionCallOutputItem{}
		return json.Unmarshal(data, i.FunctionCallOutput)
	default:
		return fmt.Errorf("unknown input item type: %v", typ)
	}
}

// MarshalJSON implements json.Marshaler.
func (i InputItem) MarshalJSON() ([]byte, error) {
	switch {
	case i.Message != nil:
		return json.Marshal(i.Message)
	case i.FunctionCall != nil:
		return json.Marshal(i.FunctionCall)
	case i.FunctionCallOutput != nil:
		return json.Marshal(i.FunctionCallOutput)
	}
	return []byte("null"), nil
}

// InputMessage is a {"type":"message"} input item.
type InputMessage struct {
	Type string `json:"type,omitempty"`
	Role string `json:"role"`
	// Content is a plain string or a list of content parts.
	Content InputContent `json:"content"`
}

// InputContent is message content, a plain string or a list of parts.
type InputContent struct {
	Text  *string
	Parts []InputContentPart
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *InputContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		c.Text = &v
		return nil
	}
	return json.Unmarshal(data, &c.Parts)
}

// MarshalJSON implements json.Marshaler.
func (c InputContent) MarshalJSON() ([]byte, error) {
	if c.Text != nil {
		return json.Marshal(*c.Text)
	}
	return json.Marshal(c.Parts)
}

// Concatenated joins all text parts into one string.
func (c *InputContent) Concatenated() string {
	if c.Text != nil {
		return *c.Text
	}
	var out string
	for _, p := range c.Parts {
		switch p.Type {
		case ContentPartTypeInputText, ContentPartTypeOutputText, ContentPartTypeSummaryText, ContentPartTypeReasoning, "text":
			out += p.Text
		}
	}
	return out
}

// InputContentPart is one typed part of input message content.
type InputContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// ImageURL is set on input_image parts, a URL or data URI.
	ImageURL string `json:"image_url,omitempty"`
}

// FunctionCallItem is a {"type":"function_call"} item. It appears both in
// request input (history) and in response output.
type FunctionCallItem struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Status    string `json:"status,omitempty"`
}

// FunctionCallOutputItem is a {"type":"function_call_output"} input item
// carrying a tool result.
type FunctionCallOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// OutputItem is one element of the response output list.
type OutputItem struct {
	Message      *OutputMessage
	FunctionCall *FunctionCallItem
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *OutputItem) UnmarshalJSON(data []byte) error {
	switch typ := gjson.GetBytes(data, "type").String(); typ {
	case ItemTypeMessage:
		o.Message = &OutputMessage{}
		return json.Unmarshal(data, o.Message)
	case ItemTypeFunctionCall:
		o.FunctionCall = &FunctionCallItem{}
		return json.Unmarshal(data, o.FunctionCall)
	default:
		return fmt.Errorf("unknown output item type: %v", typ)
	}
}

// MarshalJSON implements json.Marshaler.
func (o OutputItem) MarshalJSON() ([]byte, error) {
	switch {
	case o.Message != nil:
		return json.Marshal(o.Message)
	case o.FunctionCall != nil:
		return json.Marshal(o.FunctionCall)
	}
	return []byte("null"), nil
}

// OutputMessage is a {"type":"message"} output item.
type OutputMessage struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	Status  string        `json:"status"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is one typed part of output message content.
type ContentPart struct {
	Type string
	Text string
	// Annotations is emitted as [] on output_text parts even when empty.
	Annotations []any
	Refusal     string
}

// MarshalJSON implements json.Marshaler.
func (p ContentPart) MarshalJSON() ([]byte, error) {
	switch p.Type {
	case ContentPartTypeOutputText:
		ann := p.Annotations
		if ann == nil {
			ann = []any{}
		}
		return json.Marshal(struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			Annotations []any  `json:"annotations"`
		}{p.Type, p.Text, ann})
	case ContentPartTypeRefusal:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Refusal string `json:"refusal"`
		}{p.Type, p.Refusal})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{p.Type, p.Text})
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Annotations []any  `json:"annotations"`
		Refusal     string `json:"refusal"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Type, p.Text, p.Annotations, p.Refusal = raw.Type, raw.Text, raw.Annotations, raw.Refusal
	return nil
}

// Response is the response object of a non-streaming request and the payload
// of the response.* lifecycle events,
// https://www.openresponses.org/reference.
type Response struct {
	ID          string       `json:"id"`
	Object      string       `json:"object"`
	CreatedAt   int64        `json:"created_at"`
	CompletedAt *int64       `json:"completed_at,omitempty"`
	Status      string       `json:"status"`
	Model       string       `json:"model"`
	Output      []OutputItem `json:"output"`
	// Error and IncompleteDetails are always present, null unless the response
	// failed or was cut short.
	Error              *ResponseError     `json:"error"`
	IncompleteDetails  *IncompleteDetails `json:"incomplete_details"`
	Instructions       *string            `json:"instructions,omitempty"`
	MaxOutputTokens    *int64             `json:"max_output_tokens,omitempty"`
	Metadata           map[string]any     `json:"metadata,omitempty"`
	ParallelToolCalls  *bool              `json:"parallel_tool_calls,omitempty"`
	PreviousResponseID *string            `json:"previous_response_id"`
	Temperature        *float64           `json:"temperature,omitempty"`
	ToolChoice         any                `json:"tool_choice,omitempty"`
	Tools              []Tool             `json:"tools,omitempty"`
	TopP               *float64           `json:"top_p,omitempty"`
	Usage              *Usage             `json:"usage,omitempty"`
}

// OutputText concatenates the text of all output_text parts across message
// items, the "canonical text" of a response.
func (r *Response) OutputText() string {
	var out string
	for _, item := range r.Output {
		if item.Message == nil {
			continue
		}
		for _, part := range item.Message.Content {
			if part.Type == ContentPartTypeOutputText {
				out += part.Text
			}
		}
	}
	return out
}

// ResponseError is the error object of a failed response.
type ResponseError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error types and codes used by the stream adapter.
const (
	ErrorTypeModelError  = "model_error"
	ErrorTypeServerError = "server_error"

	ErrorCodeContentFilter          = "content_filter"
	ErrorCodeStreamEnded            = "stream_ended_unexpectedly"
	IncompleteReasonMaxOutputTokens = "max_output_tokens"
)

// IncompleteDetails explains why a response is incomplete.
type IncompleteDetails struct {
	Reason string `json:"reason"`
}

// Usage is the token accounting of a response.
type Usage struct {
	InputTokens         int64                `json:"input_tokens"`
	OutputTokens        int64                `json:"output_tokens"`
	TotalTokens         int64                `json:"total_tokens"`
	InputTokensDetails  *InputTokensDetails  `json:"input_tokens_details,omitempty"`
	OutputTokensDetails *OutputTokensDetails `json:"output_tokens_details,omitempty"`
}

// InputTokensDetails breaks down the input token count.
type InputTokensDetails struct {
	CachedTokens int64 `json:"cached_tokens"`
}

// OutputTokensDetails breaks down the output token count.
type OutputTokensDetails struct {
	ReasoningTokens int64 `json:"reasoning_tokens"`
}

// Stream event types, in emission order for the message path.
const (
	EventTypeResponseCreated    = "response.created"
	EventTypeResponseInProgress = "response.in_progress"
	EventTypeOutputItemAdded    = "response.output_item.added"
	EventTypeContentPartAdded   = "response.content_part.added"
	EventTypeOutputTextDelta    = "response.output_text.delta"
	EventTypeOutputTextDone     = "response.output_text.done"
	EventTypeContentPartDone    = "response.content_part.done"
	EventTypeOutputItemDone     = "response.output_item.done"
	EventTypeResponseCompleted  = "response.completed"
	EventTypeResponseFailed     = "response.failed"
	EventTypeResponseIncomplete = "response.incomplete"

	EventTypeFunctionCallArgumentsDelta = "response.function_call_arguments.delta"
)

// ResponseEvent is the payload of the response.* lifecycle events, which carry
// a snapshot of the whole response object.
type ResponseEvent struct {
	Type           string   `json:"type"`
	SequenceNumber int64    `json:"sequence_number"`
	Response       Response `json:"response"`
}

// OutputItemEvent is the payload of response.output_item.added/done.
type OutputItemEvent struct {
	Type           string     `json:"type"`
	SequenceNumber int64      `json:"sequence_number"`
	OutputIndex    int        `json:"output_index"`
	Item           OutputItem `json:"item"`
}

// ContentPartEvent is the payload of response.content_part.added/done.
type ContentPartEvent struct {
	Type           string      `json:"type"`
	SequenceNumber int64       `json:"sequence_number"`
	ItemID         string      `json:"item_id"`
	OutputIndex    int         `json:"output_index"`
	ContentIndex   int         `json:"content_index"`
	Part           ContentPart `json:"part"`
}

// OutputTextDeltaEvent is the payload of response.output_text.delta.
type OutputTextDeltaEvent struct {
	Type           string `json:"type"`
	SequenceNumber int64  `json:"sequence_number"`
	ItemID         string `json:"item_id"`
	OutputIndex    int    `json:"output_index"`
	ContentIndex   int    `json:"content_index"`
	Delta          string `json:"delta"`
}

// OutputTextDoneEvent is the payload of response.output_text.done, carrying
// the full accumulated text of the part.
type OutputTextDoneEvent struct {
	Type           string `json:"type"`
	SequenceNumber int64  `json:"sequence_number"`
	ItemID         string `json:"item_id"`
	OutputIndex    int    `json:"output_index"`
	ContentIndex   int    `json:"content_index"`
	Text           string `json:"text"`
}

// FunctionCallArgumentsDeltaEvent is the payload of
// response.function_call_arguments.delta.
type FunctionCallArgumentsDeltaEvent struct {
	Type           string `json:"type"`
	SequenceNumber int64  `json:"sequence_number"`
	ItemID         string `json:"item_id"`
	OutputIndex    int    `json:"output_index"`
	Delta          string `json:"delta"`
}
