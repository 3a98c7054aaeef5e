// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/modelmux/modelmux/internal/apischema/anthropic"
	"github.com/modelmux/modelmux/internal/apischema/cohere"
	"github.com/modelmux/modelmux/internal/apischema/openai"
	"github.com/modelmux/modelmux/internal/apischema/responses"
	"github.com/modelmux/modelmux/internal/internalapi"
	"github.com/modelmux/modelmux/internal/json"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/recorder"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/tracing"
	"github.com/modelmux/modelmux/internal/translator"
)

// chatCompletionsPath is where translated dialects are sent upstream; every
// backend speaks the chat completions protocol.
const chatCompletionsPath = "/v1/chat/completions"

// statusClientClosedRequest is the nginx convention for a client that went
// away. It is recorded on spans and never sent on the wire.
const statusClientClosedRequest = 499

// upstreamCall describes one proxied request.
type upstreamCall struct {
	// operation is the gen_ai operation name for metrics and tracing.
	operation string
	// model is the logical model routing is keyed on.
	model string
	// path is the upstream path, which differs from the client-facing path
	// on translated dialects.
	path string
	// rawBody is the request as received, for the request log. body is what
	// goes upstream; the same slice on passthrough endpoints.
	rawBody []byte
	body    []byte
	stream  bool
	// conversationTurn is recorded when positive (Responses chains).
	conversationTurn int
	// translator adapts upstream chat SSE frames to the endpoint's event
	// protocol. nil relays frames verbatim.
	translator sseTranslator
	// initial is written to the client before the first upstream frame.
	initial []byte
	// translateBody converts a successful upstream JSON body into the
	// endpoint's response format. nil forwards the body verbatim.
	translateBody func([]byte) ([]byte, error)
	// onStreamDone runs once after a translated stream emitted its terminal
	// event.
	onStreamDone func()
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	parsed, ok := parseObject(w, body)
	if !ok {
		return
	}
	model := parsed.Get("model")
	if model.Type != gjson.String || model.Str == "" {
		writeError(w, http.StatusBadRequest, codeMissingModel, "model is required and must be a string")
		return
	}
	if msgs := parsed.Get("messages"); !msgs.IsArray() || len(msgs.Array()) == 0 {
		writeError(w, http.StatusBadRequest, codeMissingMessages, "messages is required and must be a non-empty array")
		return
	}
	s.proxy(w, r, upstreamCall{
		operation: metrics.OperationChat,
		model:     model.Str,
		path:      r.URL.Path,
		rawBody:   body,
		body:      body,
		stream:    parsed.Get("stream").Bool(),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req anthropic.MessagesRequest
	if !decodeObject(w, body, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, messagesErrorCode(&req), err.Error())
		return
	}

	chatBody, err := json.Marshal(translator.MessagesToChatRequest(&req))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to encode upstream request")
		return
	}
	call := upstreamCall{
		operation: metrics.OperationMessages,
		model:     req.Model,
		path:      chatCompletionsPath,
		rawBody:   body,
		body:      chatBody,
		stream:    req.Stream,
	}
	if req.Stream {
		call.translator = translator.NewMessagesAdapter(req.Model, s.logger)
	} else {
		call.translateBody = func(chatJSON []byte) ([]byte, error) {
			var chat openai.ChatCompletionResponse
			if err := json.Unmarshal(chatJSON, &chat); err != nil {
				return nil, fmt.Errorf("failed to decode upstream chat completion: %w", err)
			}
			return json.Marshal(translator.ChatToMessagesResponse(&chat, req.Model))
		}
	}
	s.proxy(w, r, call)
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	if !s.responsesEnabled.Load() {
		http.NotFound(w, r)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req responses.Request
	if !decodeObject(w, body, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, responsesErrorCode(&req), err.Error())
		return
	}

	// Chain errors are logged by the store and never fatal; a broken chain
	// just yields a shorter history.
	var history []responses.InputItem
	turn := 1
	if req.PreviousResponseID != nil && *req.PreviousResponseID != "" {
		items, turns := s.states.History(r.Context(), *req.PreviousResponseID)
		history = items
		turn = turns + 1
	}
	chatBody, err := json.Marshal(translator.ResponsesToChatRequest(&req, history))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to encode upstream request")
		return
	}
	call := upstreamCall{
		operation:        metrics.OperationResponses,
		model:            req.Model,
		path:             chatCompletionsPath,
		rawBody:          body,
		body:             chatBody,
		stream:           req.Stream,
		conversationTurn: turn,
	}
	// store=false opts this response out of state persistence; a later
	// previous_response_id pointing at it will not resolve.
	storeState := req.Store == nil || *req.Store
	if req.Stream {
		adapter := translator.NewResponsesAdapter(&req, s.logger)
		initial, err := adapter.Start()
		if err != nil {
			writeDetail(w, http.StatusInternalServerError, "failed to start response stream")
			return
		}
		call.translator = adapter
		call.initial = initial
		call.onStreamDone = func() {
			if resp := adapter.FinalResponse(); resp != nil && storeState {
				s.states.Put(resp, req.Input)
			}
		}
	} else {
		call.translateBody = func(chatJSON []byte) ([]byte, error) {
			var chat openai.ChatCompletionResponse
			if err := json.Unmarshal(chatJSON, &chat); err != nil {
				return nil, fmt.Errorf("failed to decode upstream chat completion: %w", err)
			}
			resp := translator.ChatToResponsesResponse(&chat, &req)
			if storeState {
				s.states.Put(resp, req.Input)
			}
			return json.Marshal(resp)
		}
	}
	s.proxy(w, r, call)
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	parsed, ok := parseObject(w, body)
	if !ok {
		return
	}
	model := parsed.Get("model")
	if model.Type != gjson.String || model.Str == "" {
		writeError(w, http.StatusBadRequest, codeMissingModel, "model is required and must be a string")
		return
	}
	if !validEmbeddingsInput(parsed.Get("input")) {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "input is required and must be a string or a non-empty array of strings")
		return
	}
	s.proxy(w, r, upstreamCall{
		operation: metrics.OperationEmbedding,
		model:     model.Str,
		path:      r.URL.Path,
		rawBody:   body,
		body:      body,
	})
}

func (s *Server) handleRerank(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req cohere.RerankRequest
	if !decodeObject(w, body, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, rerankErrorCode(&req), err.Error())
		return
	}
	s.proxy(w, r, upstreamCall{
		operation: metrics.OperationRerank,
		model:     req.Model,
		path:      r.URL.Path,
		rawBody:   body,
		body:      body,
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	infos := s.registry.ListModels()
	now := openai.JSONUNIXTime(time.Now())
	list := openai.ModelList{
		Object: openai.ModelListObject,
		Data:   make([]openai.Model, 0, len(infos)),
	}
	for _, m := range infos {
		list.Data = append(list.Data, openai.Model{
			ID:      m.Name,
			Object:  openai.ModelObject,
			OwnedBy: m.Owner,
			Created: now,
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// registerModelRequest is the body of POST /admin/models.
type registerModelRequest struct {
	ModelName         string   `json:"model_name"`
	APIBase           string   `json:"api_base"`
	APIKey            string   `json:"api_key,omitempty"`
	RequestTimeout    int      `json:"request_timeout,omitempty"`
	TargetModel       string   `json:"target_model,omitempty"`
	SupportsReasoning bool     `json:"supports_reasoning,omitempty"`
	Fallbacks         []string `json:"fallbacks,omitempty"`
}

type registerModelResponse struct {
	Status    string   `json:"status"`
	Model     string   `json:"model"`
	Replaced  bool     `json:"replaced"`
	Fallbacks []string `json:"fallbacks"`
}

func (s *Server) handleRegisterModel(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req registerModelRequest
	if !decodeObject(w, body, &req) {
		return
	}
	if req.ModelName == "" {
		writeError(w, http.StatusBadRequest, codeMissingModel, "model_name is required")
		return
	}
	if req.APIBase == "" {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "api_base is required")
		return
	}
	if req.RequestTimeout < 0 {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "request_timeout must be a positive integer")
		return
	}

	backend := registry.Backend{
		Name:              req.ModelName,
		BaseURL:           req.APIBase,
		APIKey:            req.APIKey,
		RequestTimeout:    time.Duration(req.RequestTimeout) * time.Second,
		TargetModel:       req.TargetModel,
		SupportsReasoning: req.SupportsReasoning,
	}
	replaced, err := s.registry.Register(backend, req.Fallbacks, false)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrProtectedModel):
			writeError(w, http.StatusConflict, codeModelProtected, err.Error())
		case errors.Is(err, registry.ErrRegistryClosed):
			writeDetail(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeDetail(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	fallbacks := s.registry.Fallbacks(req.ModelName)
	if fallbacks == nil {
		fallbacks = []string{}
	}
	writeJSON(w, http.StatusOK, registerModelResponse{
		Status:    "ok",
		Model:     req.ModelName,
		Replaced:  replaced,
		Fallbacks: fallbacks,
	})
}

// proxy runs the shared forwarding lifecycle: record the request, start
// metrics and span, forward through the router, then hand the reply to the
// stream relay or the buffered writer.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, call upstreamCall) {
	ctx := r.Context()

	rec := s.recorders.NewRecorder(call.model)
	rec.RecordRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.Header, call.rawBody, call.stream)
	if call.conversationTurn > 0 {
		rec.SetConversationTurn(call.conversationTurn)
	}

	rm := s.metrics(call.operation)
	rm.StartRequest()
	rm.SetModel(call.model)

	span := s.tracing.StartSpan(ctx, r.Header, call.operation, call.model)

	reply, err := s.routes.Forward(ctx, router.ForwardInput{
		Model:    call.model,
		Path:     call.path,
		RawQuery: r.URL.RawQuery,
		Body:     call.body,
		IsStream: call.stream,
		Header:   r.Header,
		Recorder: rec,
	})
	if err != nil {
		s.forwardFailed(ctx, w, err, rec, rm, span)
		return
	}
	if reply.Backend != "" {
		rm.SetBackend(reply.Backend)
		if span != nil {
			span.SetBackend(reply.Backend)
		}
	}

	if reply.Stream != nil {
		s.relayStream(w, r, reply, call, rec, rm, span)
		return
	}
	s.writeReply(ctx, w, reply, call, rec, rm, span)
}

// forwardFailed maps router errors: an unroutable model is a client error,
// anything else is the client's own cancellation, which gets no response.
func (s *Server) forwardFailed(ctx context.Context, w http.ResponseWriter, err error, rec *recorder.Recorder, rm metrics.RequestMetrics, span tracing.Span) {
	rec.RecordError("router", err)
	if errors.Is(err, registry.ErrModelNotFound) {
		rec.Finalize(recorder.OutcomeError)
		rm.RecordRequestCompletion(ctx, false)
		if span != nil {
			span.EndSpanOnError(http.StatusBadRequest, []byte(err.Error()))
		}
		writeError(w, http.StatusBadRequest, codeModelNotFound, err.Error())
		return
	}
	rec.Finalize(recorder.OutcomeCancelled)
	rm.RecordRequestCompletion(ctx, false)
	if span != nil {
		span.EndSpan(statusClientClosedRequest)
	}
}

// writeReply sends a buffered upstream reply to the client, translating
// successful bodies when the endpoint requires it. Upstream error bodies pass
// through verbatim.
func (s *Server) writeReply(ctx context.Context, w http.ResponseWriter, reply *router.Reply, call upstreamCall, rec *recorder.Recorder, rm metrics.RequestMetrics, span tracing.Span) {
	body := reply.Body
	if reply.StatusCode < http.StatusBadRequest {
		observeChatReply(ctx, body, rec, rm)
		if call.translateBody != nil {
			translated, err := call.translateBody(body)
			if err != nil {
				rec.RecordError("translate", err)
				rec.Finalize(recorder.OutcomeError)
				rm.RecordRequestCompletion(ctx, false)
				if span != nil {
					span.EndSpanOnError(http.StatusBadGateway, []byte(err.Error()))
				}
				writeDetail(w, http.StatusBadGateway, err.Error())
				return
			}
			body = translated
		}
	}

	header := w.Header()
	for name, values := range reply.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", internalapi.ContentTypeJSON)
	}
	w.WriteHeader(reply.StatusCode)
	_, _ = w.Write(body)

	rec.RecordResponseBody(body)
	success := reply.StatusCode < http.StatusBadRequest
	if success {
		rec.Finalize(recorder.OutcomeSuccess)
	} else {
		rec.Finalize(recorder.OutcomeError)
	}
	rm.RecordRequestCompletion(ctx, success)
	if span != nil {
		if success {
			span.EndSpan(reply.StatusCode)
		} else {
			span.EndSpanOnError(reply.StatusCode, body)
		}
	}
}

// observeChatReply mines a buffered upstream body for usage, stop reason and
// tool calls. Bodies that are not chat-shaped simply have none of the fields.
func observeChatReply(ctx context.Context, body []byte, rec *recorder.Recorder, rm metrics.RequestMetrics) {
	if usage := gjson.GetBytes(body, "usage"); usage.IsObject() {
		prompt := int(usage.Get("prompt_tokens").Int())
		completion := int(usage.Get("completion_tokens").Int())
		total := int(usage.Get("total_tokens").Int())
		rec.RecordUsage(prompt, completion, total)
		rm.RecordTokenUsage(ctx, prompt, completion, total)
	}
	if fr := gjson.GetBytes(body, "choices.0.finish_reason"); fr.Type == gjson.String && fr.Str != "" {
		rec.RecordStopReason(fr.Str)
	}
	if tc := gjson.GetBytes(body, "choices.0.message.tool_calls"); tc.IsArray() && len(tc.Array()) > 0 {
		rec.RecordToolCall()
	}
}

// readBody drains the request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "failed to read request body")
		return nil, false
	}
	return body, true
}

// parseObject validates that body is a JSON object and returns it parsed, for
// endpoints that forward the raw bytes and only inspect a few fields.
func parseObject(w http.ResponseWriter, body []byte) (gjson.Result, bool) {
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "request body is not valid JSON")
		return gjson.Result{}, false
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		writeError(w, http.StatusBadRequest, codeInvalidJSONShape, "request body must be a JSON object")
		return gjson.Result{}, false
	}
	return parsed, true
}

// decodeObject unmarshals body into v, distinguishing malformed JSON from a
// JSON value of the wrong shape.
func decodeObject(w http.ResponseWriter, body []byte, v any) bool {
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "request body is not valid JSON")
		return false
	}
	if !gjson.ParseBytes(body).IsObject() {
		writeError(w, http.StatusBadRequest, codeInvalidJSONShape, "request body must be a JSON object")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSONShape, err.Error())
		return false
	}
	return true
}

// validEmbeddingsInput accepts a string or a non-empty array of strings.
func validEmbeddingsInput(input gjson.Result) bool {
	if input.Type == gjson.String {
		return true
	}
	if !input.IsArray() {
		return false
	}
	items := input.Array()
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if item.Type != gjson.String {
			return false
		}
	}
	return true
}

// messagesErrorCode picks the rejection code for a Messages request that
// failed validation.
func messagesErrorCode(req *anthropic.MessagesRequest) string {
	switch {
	case req.Model == "":
		return codeMissingModel
	case len(req.Messages) == 0:
		return codeMissingMessages
	default:
		return codeInvalidInput
	}
}

// responsesErrorCode picks the rejection code for a Responses request that
// failed validation.
func responsesErrorCode(req *responses.Request) string {
	if req.Model == "" {
		return codeMissingModel
	}
	return codeInvalidInput
}

// rerankErrorCode picks the rejection code for a rerank request that failed
// validation.
func rerankErrorCode(req *cohere.RerankRequest) string {
	switch {
	case req.Model == "":
		return codeMissingModel
	case strings.TrimSpace(req.Query) == "":
		return codeInvalidQuery
	case len(req.Documents) == 0:
		return codeInvalidDocuments
	case req.TopN != nil && *req.TopN <= 0:
		return codeInvalidTopN
	default:
		return codeInvalidInput
	}
}
