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
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/apischema/openai"
	"github.com/modelmux/modelmux/internal/apischema/responses"
	"github.com/modelmux/modelmux/internal/internalapi"
	"github.com/modelmux/modelmux/internal/json"
)

// ResponsesAdapter converts an upstream chat completions SSE stream into an
// Open Responses SSE stream. Call Start once to obtain the lifecycle opening
// events, then feed raw upstream bytes with Process. Every emitted payload
// carries a strictly monotonic sequence_number starting at 1. The adapter is
// used by a single stream and is not safe for concurrent use.
type ResponsesAdapter struct {
	logger *slog.Logger
	newID  func(prefix string) string
	now    func() time.Time

	req             *responses.Request
	buffer          bytes.Buffer
	seq             int64
	itemsStarted    bool
	terminalEmitted bool
	sawDone         bool
	finishReasons   []openai.ChatCompletionChoicesFinishReason

	responseID string
	createdAt  int64
	model      string
	usage      *responses.Usage

	nextOutputIndex int
	message         *responsesMessageItem
	tools           map[int64]*responsesFunctionCall
	finalResponse   *responses.Response
}

// responsesMessageItem is the message output item being streamed.
type responsesMessageItem struct {
	id          string
	outputIndex int
	text        strings.Builder
	status      string
	closed      bool
}

// responsesFunctionCall is one function_call output item being streamed,
// keyed by the upstream tool_call index.
type responsesFunctionCall struct {
	itemID      string
	callID      string
	outputIndex int
	name        string
	args        strings.Builder
	closed      bool
}

// NewResponsesAdapter returns an adapter for one stream. The request supplies
// the configuration fields echoed on every response object and the model
// fallback.
func NewResponsesAdapter(req *responses.Request, logger *slog.Logger) *ResponsesAdapter {
	return &ResponsesAdapter{
		logger: logger,
		newID:  newHexID,
		now:    time.Now,
		req:    req,
		tools:  make(map[int64]*responsesFunctionCall),
	}
}

// Start synthesizes the response identity and emits response.created and
// response.in_progress. Call exactly once, before Process.
func (a *ResponsesAdapter) Start() ([]byte, error) {
	a.responseID = a.newID(internalapi.ResponseIDPrefix)
	a.createdAt = a.now().Unix()
	var out []byte
	if err := a.emitResponseEvent(responses.EventTypeResponseCreated, a.snapshot(responses.StatusInProgress), &out); err != nil {
		return nil, err
	}
	if err := a.emitResponseEvent(responses.EventTypeResponseInProgress, a.snapshot(responses.StatusInProgress), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Process consumes upstream SSE bytes, which may split events across calls,
// and returns the Responses events they produce. endOfStream flushes any
// buffered partial event and emits the terminal event if the upstream never
// sent [DONE].
func (a *ResponsesAdapter) Process(data []byte, endOfStream bool) ([]byte, error) {
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
		if !a.terminalEmitted {
			if err := a.emitTerminal(&out); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// FinalResponse returns the materialized terminal response object, nil until
// the terminal event has been emitted. The caller stores it for conversation
// chaining.
func (a *ResponsesAdapter) FinalResponse() *responses.Response {
	return a.finalResponse
}

func (a *ResponsesAdapter) processEventBlock(block []byte, out *[]byte) error {
	if a.terminalEmitted {
		return nil
	}
	data, done := sseEventData(block)
	if done {
		a.sawDone = true
		return a.emitTerminal(out)
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

func (a *ResponsesAdapter) handleChunk(chunk *openai.ChatCompletionResponseChunk, out *[]byte) error {
	if chunk.Model != "" && a.model == "" {
		a.model = chunk.Model
	}
	if chunk.Usage != nil {
		a.usage = responsesUsage(chunk.Usage)
	}
	if len(chunk.Choices) == 0 {
		return nil
	}

	choice := &chunk.Choices[0]
	delta := choice.Delta

	// The first meaningful delta reserves the message item, unless the stream
	// opens with tool calls, which claim function_call items directly.
	if !a.itemsStarted && meaningfulDelta(delta) {
		a.itemsStarted = true
		if len(delta.ToolCalls) == 0 {
			if err := a.openMessageItem(out); err != nil {
				return err
			}
		}
	}

	if delta != nil {
		for _, text := range textChunks(delta.Content, a.logger) {
			if err := a.emitTextDelta(text, out); err != nil {
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
		if !slices.Contains(a.finishReasons, choice.FinishReason) {
			a.finishReasons = append(a.finishReasons, choice.FinishReason)
		}
		return a.closeOpenItems(out)
	}
	return nil
}

func (a *ResponsesAdapter) openMessageItem(out *[]byte) error {
	a.message = &responsesMessageItem{
		id:          a.newID(internalapi.MessageIDPrefix),
		outputIndex: a.nextOutputIndex,
	}
	a.nextOutputIndex++
	added := responses.OutputItemEvent{
		Type:           responses.EventTypeOutputItemAdded,
		SequenceNumber: a.nextSeq(),
		OutputIndex:    a.message.outputIndex,
		Item: responses.OutputItem{Message: &responses.OutputMessage{
			Type:    responses.ItemTypeMessage,
			ID:      a.message.id,
			Status:  responses.StatusInProgress,
			Role:    openai.ChatMessageRoleAssistant,
			Content: []responses.ContentPart{},
		}},
	}
	if err := a.appendEvent(added.Type, added, out); err != nil {
		return err
	}
	part := responses.ContentPartEvent{
		Type:           responses.EventTypeContentPartAdded,
		SequenceNumber: a.nextSeq(),
		ItemID:         a.message.id,
		OutputIndex:    a.message.outputIndex,
		Part:           responses.ContentPart{Type: responses.ContentPartTypeOutputText},
	}
	return a.appendEvent(part.Type, part, out)
}

func (a *ResponsesAdapter) emitTextDelta(text string, out *[]byte) error {
	if a.message == nil {
		if err := a.openMessageItem(out); err != nil {
			return err
		}
	}
	a.message.text.WriteString(text)
	ev := responses.OutputTextDeltaEvent{
		Type:           responses.EventTypeOutputTextDelta,
		SequenceNumber: a.nextSeq(),
		ItemID:         a.message.id,
		OutputIndex:    a.message.outputIndex,
		Delta:          text,
	}
	return a.appendEvent(ev.Type, ev, out)
}

func (a *ResponsesAdapter) handleToolCallDelta(tc *openai.ChatCompletionResponseChunkToolCall, out *[]byte) error {
	// Providers that only ever emit one call may omit the index.
	var idx int64
	if tc.Index != nil {
		idx = *tc.Index
	}
	fc, exists := a.tools[idx]
	if !exists {
		callID := tc.ID
		if callID == "" {
			callID = a.newID(internalapi.CallIDPrefix)
		}
		fc = &responsesFunctionCall{
			itemID:      a.newID(internalapi.FunctionCallIDPrefix),
			callID:      callID,
			outputIndex: a.nextOutputIndex,
			name:        tc.Function.Name,
		}
		a.nextOutputIndex++
		a.tools[idx] = fc
		// The added item shows empty name and arguments; both stream in later.
		added := responses.OutputItemEvent{
			Type:           responses.EventTypeOutputItemAdded,
			SequenceNumber: a.nextSeq(),
			OutputIndex:    fc.outputIndex,
			Item: responses.OutputItem{FunctionCall: &responses.FunctionCallItem{
				Type:   responses.ItemTypeFunctionCall,
				ID:     fc.itemID,
				CallID: fc.callID,
				Status: responses.StatusInProgress,
			}},
		}
		if err := a.appendEvent(added.Type, added, out); err != nil {
			return err
		}
	} else if fc.name == "" && tc.Function.Name != "" {
		fc.name = tc.Function.Name
	}

	if tc.Function.Arguments != "" {
		fc.args.WriteString(tc.Function.Arguments)
		ev := responses.FunctionCallArgumentsDeltaEvent{
			Type:           responses.EventTypeFunctionCallArgumentsDelta,
			SequenceNumber: a.nextSeq(),
			ItemID:         fc.itemID,
			OutputIndex:    fc.outputIndex,
			Delta:          tc.Function.Arguments,
		}
		return a.appendEvent(ev.Type, ev, out)
	}
	return nil
}

// closeOpenItems closes the message item and every open function_call item,
// as happens when a finish_reason arrives. Items a truncated stream left open
// are closed the same way so the event stream stays well formed.
func (a *ResponsesAdapter) closeOpenItems(out *[]byte) error {
	status := responses.StatusCompleted
	if a.sawFinish(openai.ChatCompletionChoicesFinishReasonLength) {
		status = responses.StatusIncomplete
	}
	if a.message != nil && !a.message.closed {
		a.message.closed = true
		a.message.status = status
		text := a.message.text.String()
		done := responses.OutputTextDoneEvent{
			Type:           responses.EventTypeOutputTextDone,
			SequenceNumber: a.nextSeq(),
			ItemID:         a.message.id,
			OutputIndex:    a.message.outputIndex,
			Text:           text,
		}
		if err := a.appendEvent(done.Type, done, out); err != nil {
			return err
		}
		partDone := responses.ContentPartEvent{
			Type:           responses.EventTypeContentPartDone,
			SequenceNumber: a.nextSeq(),
			ItemID:         a.message.id,
			OutputIndex:    a.message.outputIndex,
			Part: responses.ContentPart{
				Type: responses.ContentPartTypeOutputText,
				Text: text,
			},
		}
		if err := a.appendEvent(partDone.Type, partDone, out); err != nil {
			return err
		}
		itemDone := responses.OutputItemEvent{
			Type:           responses.EventTypeOutputItemDone,
			SequenceNumber: a.nextSeq(),
			OutputIndex:    a.message.outputIndex,
			Item:           responses.OutputItem{Message: a.message.materialize()},
		}
		if err := a.appendEvent(itemDone.Type, itemDone, out); err != nil {
			return err
		}
	}
	for _, idx := range slices.Sorted(maps.Keys(a.tools)) {
		fc := a.tools[idx]
		if fc.closed {
			continue
		}
		fc.closed = true
		itemDone := responses.OutputItemEvent{
			Type:           responses.EventTypeOutputItemDone,
			SequenceNumber: a.nextSeq(),
			OutputIndex:    fc.outputIndex,
			Item:           responses.OutputItem{FunctionCall: fc.materialize()},
		}
		if err := a.appendEvent(itemDone.Type, itemDone, out); err != nil {
			return err
		}
	}
	return nil
}

// emitTerminal derives the terminal status and emits exactly one of
// response.completed, response.failed, or response.incomplete with the fully
// materialized response object.
func (a *ResponsesAdapter) emitTerminal(out *[]byte) error {
	if a.terminalEmitted {
		return nil
	}
	a.terminalEmitted = true

	if err := a.closeOpenItems(out); err != nil {
		return err
	}

	eventType := responses.EventTypeResponseCompleted
	status := responses.StatusCompleted
	var respError *responses.ResponseError
	var incomplete *responses.IncompleteDetails
	switch {
	case a.sawFinish(openai.ChatCompletionChoicesFinishReasonLength):
		eventType = responses.EventTypeResponseIncomplete
		status = responses.StatusIncomplete
		incomplete = &responses.IncompleteDetails{Reason: responses.IncompleteReasonMaxOutputTokens}
	case a.sawFinish(openai.ChatCompletionChoicesFinishReasonContentFilter):
		eventType = responses.EventTypeResponseFailed
		status = responses.StatusFailed
		respError = &responses.ResponseError{
			Type:    responses.ErrorTypeModelError,
			Code:    responses.ErrorCodeContentFilter,
			Message: "generation stopped by content filter",
		}
	case a.sawDone:
	case len(a.finishReasons) > 0:
		a.logger.Warn("stream ended without [DONE] after finish_reason, treating as completed",
			slog.String("response_id", a.responseID))
	default:
		eventType = responses.EventTypeResponseFailed
		status = responses.StatusFailed
		respError = &responses.ResponseError{
			Type:    responses.ErrorTypeServerError,
			Code:    responses.ErrorCodeStreamEnded,
			Message: "upstream stream ended unexpectedly",
		}
	}

	resp := a.snapshot(status)
	resp.Error = respError
	resp.IncompleteDetails = incomplete
	resp.CompletedAt = ptrTo(a.now().Unix())
	resp.Usage = a.usage
	a.finalResponse = resp
	return a.emitResponseEvent(eventType, resp, out)
}

// snapshot builds the response object as currently known, used by the
// lifecycle events that carry the whole response.
func (a *ResponsesAdapter) snapshot(status string) *responses.Response {
	resp := &responses.Response{
		ID:        a.responseID,
		Object:    responses.ResponseObject,
		CreatedAt: a.createdAt,
		Status:    status,
		Model:     cmp.Or(a.model, a.req.Model),
		Output:    a.outputItems(),
	}
	echoRequest(resp, a.req)
	return resp
}

// outputItems materializes all claimed output items in output_index order.
func (a *ResponsesAdapter) outputItems() []responses.OutputItem {
	items := make([]responses.OutputItem, a.nextOutputIndex)
	if a.message != nil {
		items[a.message.outputIndex] = responses.OutputItem{Message: a.message.materialize()}
	}
	for _, fc := range a.tools {
		items[fc.outputIndex] = responses.OutputItem{FunctionCall: fc.materialize()}
	}
	return items
}

func (a *ResponsesAdapter) sawFinish(reason openai.ChatCompletionChoicesFinishReason) bool {
	return slices.Contains(a.finishReasons, reason)
}

func (m *responsesMessageItem) materialize() *responses.OutputMessage {
	status := m.status
	if status == "" {
		status = responses.StatusInProgress
	}
	return &responses.OutputMessage{
		Type:   responses.ItemTypeMessage,
		ID:     m.id,
		Status: status,
		Role:   openai.ChatMessageRoleAssistant,
		Content: []responses.ContentPart{{
			Type: responses.ContentPartTypeOutputText,
			Text: m.text.String(),
		}},
	}
}

func (f *responsesFunctionCall) materialize() *responses.FunctionCallItem {
	status := responses.StatusInProgress
	if f.closed {
		status = responses.StatusCompleted
	}
	return &responses.FunctionCallItem{
		Type:      responses.ItemTypeFunctionCall,
		ID:        f.itemID,
		CallID:    f.callID,
		Name:      f.name,
		Arguments: f.args.String(),
		Status:    status,
	}
}

func (a *ResponsesAdapter) emitResponseEvent(eventType string, resp *responses.Response, out *[]byte) error {
	ev := responses.ResponseEvent{
		Type:           eventType,
		SequenceNumber: a.nextSeq(),
		Response:       *resp,
	}
	return a.appendEvent(eventType, ev, out)
}

func (a *ResponsesAdapter) appendEvent(eventType string, payload any, out *[]byte) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", eventType, err)
	}
	appendSSEEvent(out, eventType, data)
	return nil
}

func (a *ResponsesAdapter) nextSeq() int64 {
	a.seq++
	return a.seq
}
