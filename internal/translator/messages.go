// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"cmp"
	"strings"

	"github.com/modelmux/modelmux/internal/apischema/anthropic"
	"github.com/modelmux/modelmux/internal/apischema/openai"
	"github.com/modelmux/modelmux/internal/json"
)

// MessagesToChatRequest converts an Anthropic Messages request into the chat
// completions request sent upstream. The model keeps the client's logical
// name; backend-specific renames happen later on the outbound body.
func MessagesToChatRequest(body *anthropic.MessagesRequest) *openai.ChatCompletionRequest {
	maxTokens := int64(body.MaxTokens)
	req := &openai.ChatCompletionRequest{
		Model:       body.Model,
		Messages:    messagesToChatMessages(body),
		MaxTokens:   &maxTokens,
		Temperature: body.Temperature,
		TopP:        body.TopP,
		Stream:      body.Stream,
	}
	if len(body.StopSequences) > 0 {
		req.Stop = body.StopSequences
	}
	if body.Metadata != nil && body.Metadata.UserID != nil {
		req.User = *body.Metadata.UserID
	}
	if tools := messagesTools(body.Tools); len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = messagesToolChoice(body.ToolChoice)
	}
	if body.Stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req
}

// messagesToChatMessages converts the system prompt and conversation turns to
// chat messages. Tool results inside a user turn become separate tool-role
// messages, in block order.
func messagesToChatMessages(body *anthropic.MessagesRequest) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if body.System != nil {
		if text := body.System.Concatenated(); text != "" {
			out = append(out, systemMessage(text))
		}
	}
	for i := range body.Messages {
		msg := &body.Messages[i]
		switch msg.Role {
		case anthropic.RoleUser:
			out = append(out, userMessageParams(&msg.Content)...)
		case anthropic.RoleAssistant:
			out = append(out, assistantMessageParam(&msg.Content))
		}
	}
	return out
}

func userMessageParams(content *anthropic.MessageContent) []openai.ChatCompletionMessageParamUnion {
	if content.Text != nil {
		return []openai.ChatCompletionMessageParamUnion{userTextMessage(*content.Text)}
	}
	var out []openai.ChatCompletionMessageParamUnion
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			out = append(out, userTextMessage(text.String()))
			text.Reset()
		}
	}
	for _, block := range content.Blocks {
		switch {
		case block.Text != nil:
			text.WriteString(block.Text.Text)
		case block.ToolResult != nil:
			flush()
			out = append(out, toolResultMessage(block.ToolResult))
		}
	}
	flush()
	return out
}

func userTextMessage(text string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		Value: openai.ChatCompletionUserMessageParam{
			Role:    openai.ChatMessageRoleUser,
			Content: openai.StringOrUserRoleContentUnion{Value: text},
		},
		Type: openai.ChatMessageRoleUser,
	}
}

func systemMessage(text string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		Value: openai.ChatCompletionSystemMessageParam{
			Role:    openai.ChatMessageRoleSystem,
			Content: openai.StringOrArray{Value: text},
		},
		Type: openai.ChatMessageRoleSystem,
	}
}

func toolResultMessage(tr *anthropic.ToolResultBlockParam) openai.ChatCompletionMessageParamUnion {
	var text string
	if tr.Content != nil {
		text = contentText(tr.Content)
	}
	return openai.ChatCompletionMessageParamUnion{
		Value: openai.ChatCompletionToolMessageParam{
			Role:       openai.ChatMessageRoleTool,
			Content:    openai.StringOrArray{Value: text},
			ToolCallID: tr.ToolUseID,
		},
		Type: openai.ChatMessageRoleTool,
	}
}

// assistantMessageParam converts one assistant turn: text blocks concatenate
// into the content string and tool_use blocks become tool calls.
func assistantMessageParam(content *anthropic.MessageContent) openai.ChatCompletionMessageParamUnion {
	msg := openai.ChatCompletionAssistantMessageParam{Role: openai.ChatMessageRoleAssistant}
	if text := contentText(content); text != "" {
		msg.Content = openai.StringOrAssistantRoleContentUnion{Value: text}
	}
	for _, block := range content.Blocks {
		if block.ToolUse == nil {
			continue
		}
		args := string(block.ToolUse.Input)
		if args == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   ptrTo(block.ToolUse.ID),
			Type: openai.ChatCompletionMessageToolCallTypeFunction,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      block.ToolUse.Name,
				Arguments: args,
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{Value: msg, Type: openai.ChatMessageRoleAssistant}
}

// contentText concatenates the text blocks of message content.
func contentText(content *anthropic.MessageContent) string {
	if content.Text != nil {
		return *content.Text
	}
	var sb strings.Builder
	for _, block := range content.Blocks {
		if block.Text != nil {
			sb.WriteString(block.Text.Text)
		}
	}
	return sb.String()
}

func messagesTools(tools []anthropic.Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		fn := &openai.FunctionDefinition{Name: t.Name}
		if t.Description != nil {
			fn.Description = *t.Description
		}
		if params, ok := t.InputSchema.(map[string]any); ok {
			fn.Parameters = params
		}
		out = append(out, openai.Tool{Type: openai.ToolTypeFunction, Function: fn})
	}
	return out
}

// messagesToolChoice maps the Messages tool_choice to the chat dialect.
// Anthropic "any" becomes "required" (the model must call some tool).
func messagesToolChoice(tc *anthropic.ToolChoice) any {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case anthropic.ToolChoiceTypeAuto:
		return "auto"
	case anthropic.ToolChoiceTypeNone:
		return "none"
	case anthropic.ToolChoiceTypeAny:
		return "required"
	case anthropic.ToolChoiceTypeTool:
		return openai.ToolChoiceFunction{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolChoiceFunctionName{Name: tc.Name},
		}
	default:
		return nil
	}
}

// ChatToMessagesResponse converts a non-streaming chat completion into an
// Anthropic Messages response.
func ChatToMessagesResponse(resp *openai.ChatCompletionResponse, requestModel string) *anthropic.MessagesResponse {
	out := &anthropic.MessagesResponse{
		ID:      resp.ID,
		Type:    anthropic.MessageObjectType,
		Role:    anthropic.RoleAssistant,
		Model:   cmp.Or(resp.Model, requestModel),
		Content: []anthropic.ContentBlock{},
		Usage: anthropic.Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := &resp.Choices[0]
	msg := &choice.Message
	if msg.Content != nil && *msg.Content != "" {
		out.Content = append(out.Content, anthropic.ContentBlock{
			Type: anthropic.ContentBlockTypeText,
			Text: msg.Content,
		})
	}
	for _, tc := range msg.ToolCalls {
		var id string
		if tc.ID != nil {
			id = *tc.ID
		}
		out.Content = append(out.Content, anthropic.ContentBlock{
			Type:  anthropic.ContentBlockTypeToolUse,
			ID:    id,
			Name:  tc.Function.Name,
			Input: toolInputJSON(tc.Function.Arguments),
		})
	}
	stop := StopReasonFromFinish(choice.FinishReason)
	if stop == "" {
		stop = anthropic.StopReasonEndTurn
	}
	out.StopReason = &stop
	return out
}

// StopReasonFromFinish maps a chat completions finish_reason to the Messages
// stop_reason dialect. Unknown reasons pass through unchanged so new upstream
// values are not silently rewritten.
func StopReasonFromFinish(reason openai.ChatCompletionChoicesFinishReason) anthropic.StopReason {
	switch reason {
	case openai.ChatCompletionChoicesFinishReasonStop:
		return anthropic.StopReasonEndTurn
	case openai.ChatCompletionChoicesFinishReasonLength:
		return anthropic.StopReasonMaxTokens
	case openai.ChatCompletionChoicesFinishReasonToolCalls:
		return anthropic.StopReasonToolUse
	case openai.ChatCompletionChoicesFinishReasonContentFilter:
		return anthropic.StopReasonRefusal
	default:
		return anthropic.StopReason(reason)
	}
}

// toolInputJSON validates an accumulated tool arguments string as a JSON
// object. Providers may cut arguments off mid-stream; invalid input is
// wrapped as {"raw": <string>} so the block still carries a well-formed
// object.
func toolInputJSON(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(args), &v); err == nil && v != nil {
		return json.RawMessage(args)
	}
	wrapped, err := json.Marshal(map[string]string{"raw": args})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
}
