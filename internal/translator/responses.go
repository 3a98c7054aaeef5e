// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"cmp"
	"slices"
	"time"

	"github.com/modelmux/modelmux/internal/apischema/openai"
	"github.com/modelmux/modelmux/internal/apischema/responses"
	"github.com/modelmux/modelmux/internal/internalapi"
)

// ResponsesToChatRequest converts a Responses request plus any reconstructed
// conversation history into the chat completions request sent upstream.
// History items come first, then the request's own input, in chronological
// order.
func ResponsesToChatRequest(req *responses.Request, history []responses.InputItem) *openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.Instructions != nil && *req.Instructions != "" {
		messages = append(messages, systemMessage(*req.Instructions))
	}
	messages = append(messages, inputItemsToChatMessages(history)...)
	if req.Input.Text != nil {
		messages = append(messages, userTextMessage(*req.Input.Text))
	} else {
		messages = append(messages, inputItemsToChatMessages(req.Input.Items)...)
	}

	out := &openai.ChatCompletionRequest{
		Model:             req.Model,
		Messages:          messages,
		MaxTokens:         req.MaxOutputTokens,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		ParallelToolCalls: req.ParallelToolCalls,
		Stream:            req.Stream,
	}
	if len(req.Tools) > 0 {
		out.Tools = responsesTools(req.Tools)
		out.ToolChoice = responsesToolChoice(req.ToolChoice)
	}
	if req.Stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

// inputItemsToChatMessages converts typed input items to chat messages.
// Consecutive function_call items collapse into a single assistant message
// carrying all of their tool calls, which is how the chat dialect represents
// parallel calls.
func inputItemsToChatMessages(items []responses.InputItem) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	var pendingCalls []openai.ChatCompletionMessageToolCallParam
	flushCalls := func() {
		if len(pendingCalls) == 0 {
			return
		}
		out = append(out, openai.ChatCompletionMessageParamUnion{
			Value: openai.ChatCompletionAssistantMessageParam{
				Role:      openai.ChatMessageRoleAssistant,
				ToolCalls: pendingCalls,
			},
			Type: openai.ChatMessageRoleAssistant,
		})
		pendingCalls = nil
	}
	for i := range items {
		item := &items[i]
		switch {
		case item.FunctionCall != nil:
			fc := item.FunctionCall
			pendingCalls = append(pendingCalls, openai.ChatCompletionMessageToolCallParam{
				ID:   ptrTo(fc.CallID),
				Type: openai.ChatCompletionMessageToolCallTypeFunction,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      fc.Name,
					Arguments: fc.Arguments,
				},
			})
		case item.FunctionCallOutput != nil:
			flushCalls()
			fco := item.FunctionCallOutput
			out = append(out, openai.ChatCompletionMessageParamUnion{
				Value: openai.ChatCompletionToolMessageParam{
					Role:       openai.ChatMessageRoleTool,
					Content:    openai.StringOrArray{Value: fco.Output},
					ToolCallID: fco.CallID,
				},
				Type: openai.ChatMessageRoleTool,
			})
		case item.Message != nil:
			flushCalls()
			out = append(out, inputMessageToChat(item.Message))
		}
	}
	flushCalls()
	return out
}

func inputMessageToChat(msg *responses.InputMessage) openai.ChatCompletionMessageParamUnion {
	text := msg.Content.Concatenated()
	switch msg.Role {
	case openai.ChatMessageRoleSystem, openai.ChatMessageRoleDeveloper:
		return systemMessage(text)
	case openai.ChatMessageRoleAssistant:
		return openai.ChatCompletionMessageParamUnion{
			Value: openai.ChatCompletionAssistantMessageParam{
				Role:    openai.ChatMessageRoleAssistant,
				Content: openai.StringOrAssistantRoleContentUnion{Value: text},
			},
			Type: openai.ChatMessageRoleAssistant,
		}
	default:
		return userTextMessage(text)
	}
}

// responsesTools converts the flattened Responses tool definitions into the
// nested chat form.
func responsesTools(tools []responses.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Type != openai.ToolTypeFunction && t.Type != "" {
			continue
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
				Strict:      t.Strict,
			},
		})
	}
	return out
}

// responsesToolChoice maps a Responses tool_choice to the chat dialect: the
// string forms pass through and the flattened named-tool object is nested.
func responsesToolChoice(tc any) any {
	switch v := tc.(type) {
	case nil:
		return nil
	case string:
		return v
	case map[string]any:
		if typ, _ := v["type"].(string); typ == openai.ToolTypeFunction {
			name, _ := v["name"].(string)
			return openai.ToolChoiceFunction{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolChoiceFunctionName{Name: name},
			}
		}
	}
	return tc
}

// ChatToResponsesResponse converts a non-streaming chat completion into a
// completed Responses object, echoing the request's configuration fields. The
// status mirrors the stream adapter's terminal mapping: length is incomplete
// and content_filter is failed.
func ChatToResponsesResponse(chat *openai.ChatCompletionResponse, req *responses.Request) *responses.Response {
	now := time.Now().Unix()
	resp := &responses.Response{
		ID:          newHexID(internalapi.ResponseIDPrefix),
		Object:      responses.ResponseObject,
		CreatedAt:   now,
		CompletedAt: &now,
		Status:      responses.StatusCompleted,
		Model:       cmp.Or(chat.Model, req.Model),
		Output:      []responses.OutputItem{},
		Usage:       responsesUsage(&chat.Usage),
	}
	echoRequest(resp, req)
	if len(chat.Choices) == 0 {
		return resp
	}

	choice := &chat.Choices[0]
	msg := &choice.Message
	itemStatus := responses.StatusCompleted
	if choice.FinishReason == openai.ChatCompletionChoicesFinishReasonLength {
		itemStatus = responses.StatusIncomplete
	}
	if msg.Content != nil && *msg.Content != "" {
		resp.Output = append(resp.Output, responses.OutputItem{
			Message: &responses.OutputMessage{
				Type:   responses.ItemTypeMessage,
				ID:     newHexID(internalapi.MessageIDPrefix),
				Status: itemStatus,
				Role:   openai.ChatMessageRoleAssistant,
				Content: []responses.ContentPart{{
					Type: responses.ContentPartTypeOutputText,
					Text: *msg.Content,
				}},
			},
		})
	}
	for _, tc := range msg.ToolCalls {
		callID := ""
		if tc.ID != nil {
			callID = *tc.ID
		}
		if callID == "" {
			callID = newHexID(internalapi.CallIDPrefix)
		}
		resp.Output = append(resp.Output, responses.OutputItem{
			FunctionCall: &responses.FunctionCallItem{
				Type:      responses.ItemTypeFunctionCall,
				ID:        newHexID(internalapi.FunctionCallIDPrefix),
				CallID:    callID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
				Status:    responses.StatusCompleted,
			},
		})
	}

	switch choice.FinishReason {
	case openai.ChatCompletionChoicesFinishReasonLength:
		resp.Status = responses.StatusIncomplete
		resp.IncompleteDetails = &responses.IncompleteDetails{
			Reason: responses.IncompleteReasonMaxOutputTokens,
		}
	case openai.ChatCompletionChoicesFinishReasonContentFilter:
		resp.Status = responses.StatusFailed
		resp.Error = &responses.ResponseError{
			Type:    responses.ErrorTypeModelError,
			Code:    responses.ErrorCodeContentFilter,
			Message: "generation stopped by content filter",
		}
	}
	return resp
}

// echoRequest copies the request configuration the dialect echoes on every
// response object.
func echoRequest(resp *responses.Response, req *responses.Request) {
	resp.Instructions = req.Instructions
	resp.MaxOutputTokens = req.MaxOutputTokens
	resp.Metadata = req.Metadata
	resp.ParallelToolCalls = req.ParallelToolCalls
	resp.PreviousResponseID = req.PreviousResponseID
	resp.Temperature = req.Temperature
	resp.ToolChoice = req.ToolChoice
	resp.Tools = slices.Clone(req.Tools)
	resp.TopP = req.TopP
}

func responsesUsage(u *openai.ChatCompletionResponseUsage) *responses.Usage {
	if u == nil {
		return nil
	}
	out := &responses.Usage{
		InputTokens:  int64(u.PromptTokens),
		OutputTokens: int64(u.CompletionTokens),
		TotalTokens:  int64(u.TotalTokens),
	}
	if u.PromptTokensDetails != nil {
		out.InputTokensDetails = &responses.InputTokensDetails{
			CachedTokens: int64(u.PromptTokensDetails.CachedTokens),
		}
	}
	if u.CompletionTokensDetails != nil {
		out.OutputTokensDetails = &responses.OutputTokensDetails{
			ReasoningTokens: int64(u.CompletionTokensDetails.ReasoningTokens),
		}
	}
	return out
}
