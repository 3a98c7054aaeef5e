// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/modelmux/modelmux/internal/json"
	"github.com/modelmux/modelmux/internal/recorder"
)

// attemptRecord mirrors the per-attempt JSON the recorder writes into rows.
type attemptRecord struct {
	Backend string `json:"backend"`
	Attempt int    `json:"attempt"`
	Status  int    `json:"status"`
	Error   string `json:"error"`
}

func decodeAttempts(t *testing.T, row string) []attemptRecord {
	t.Helper()
	var attempts []attemptRecord
	require.NoError(t, json.Unmarshal([]byte(row), &attempts))
	return attempts
}

func TestChatCompletions_singleBackendSuccess(t *testing.T) {
	var hits atomic.Int32
	var gotPath, gotAuth, gotContentType, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
	}))
	defer upstream.Close()

	cfg := proxyConfig(modelEntry("alpha", upstream.URL))
	cfg.ModelList[0].ModelParams.APIKey = "sk-alpha"
	env := newTestEnv(t, cfg)

	resp, body := env.post(t, "/v1/chat/completions",
		`{"model":"alpha","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.JSONEq(t, `{"choices":[{"message":{"content":"hello"}}]}`, string(body))

	require.Equal(t, int32(1), hits.Load())
	require.Equal(t, "/v1/chat/completions", gotPath)
	require.Equal(t, "Bearer sk-alpha", gotAuth)
	require.Equal(t, "application/json", gotContentType)
	require.JSONEq(t, `{"model":"alpha","messages":[{"role":"user","content":"hi"}]}`, gotBody)

	rows := env.sink.waitRows(t, 1)
	row := rows[0]
	require.Equal(t, string(recorder.OutcomeSuccess), row.Outcome)
	require.Equal(t, "alpha", row.Model)
	require.Equal(t, http.MethodPost, row.Method)
	require.Equal(t, "/v1/chat/completions", row.Path)
	require.False(t, row.Stream)
	require.JSONEq(t, `["alpha"]`, row.Route)

	attempts := decodeAttempts(t, row.BackendAttempts)
	require.Len(t, attempts, 1)
	require.Equal(t, "alpha", attempts[0].Backend)
	require.Equal(t, 1, attempts[0].Attempt)
	require.Equal(t, http.StatusOK, attempts[0].Status)
}

func TestChatCompletions_retryThenFallback(t *testing.T) {
	var alphaHits, betaHits atomic.Int32
	alpha := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		alphaHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer alpha.Close()
	beta := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		betaHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"from beta"}}]}`))
	}))
	defer beta.Close()

	cfg := proxyConfig(modelEntry("alpha", alpha.URL), modelEntry("beta", beta.URL))
	cfg.RouterSettings.NumRetries = 2
	cfg.RouterSettings.Fallbacks = []map[string][]string{{"alpha": {"beta"}}}
	env := newTestEnv(t, cfg)

	resp, body := env.post(t, "/v1/chat/completions",
		`{"model":"alpha","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"choices":[{"message":{"content":"from beta"}}]}`, string(body))
	require.Equal(t, int32(2), alphaHits.Load())
	require.Equal(t, int32(1), betaHits.Load())

	rows := env.sink.waitRows(t, 1)
	row := rows[0]
	require.Equal(t, string(recorder.OutcomeSuccess), row.Outcome)
	require.JSONEq(t, `["alpha","beta"]`, row.Route)

	attempts := decodeAttempts(t, row.BackendAttempts)
	require.Len(t, attempts, 3)
	require.Equal(t, attemptRecord{Backend: "alpha", Attempt: 1, Status: http.StatusServiceUnavailable}, attempts[0])
	require.Equal(t, attemptRecord{Backend: "alpha", Attempt: 2, Status: http.StatusServiceUnavailable}, attempts[1])
	require.Equal(t, attemptRecord{Backend: "beta", Attempt: 1, Status: http.StatusOK}, attempts[2])
}

func TestChatCompletions_allBackendsFail(t *testing.T) {
	alpha := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"alpha down"}`))
	}))
	defer alpha.Close()
	beta := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"beta down"}`))
	}))
	defer beta.Close()

	cfg := proxyConfig(modelEntry("alpha", alpha.URL), modelEntry("beta", beta.URL))
	cfg.RouterSettings.Fallbacks = []map[string][]string{{"alpha": {"beta"}}}
	env := newTestEnv(t, cfg)

	resp, body := env.post(t, "/v1/chat/completions",
		`{"model":"alpha","messages":[{"role":"user","content":"hi"}]}`)
	// The last upstream response passes through as-is.
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.JSONEq(t, `{"error":"beta down"}`, string(body))

	rows := env.sink.waitRows(t, 1)
	row := rows[0]
	require.Equal(t, string(recorder.OutcomeError), row.Outcome)
	require.JSONEq(t, `["alpha","beta"]`, row.Route)
	attempts := decodeAttempts(t, row.BackendAttempts)
	require.Len(t, attempts, 2)
	require.Equal(t, "alpha", attempts[0].Backend)
	require.Equal(t, "beta", attempts[1].Backend)
}

func TestChatCompletions_upstreamErrorPassthrough(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"no such deployment","type":"invalid_request_error"}}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, proxyConfig(modelEntry("alpha", upstream.URL)))

	resp, body := env.post(t, "/v1/chat/completions",
		`{"model":"alpha","messages":[{"role":"user","content":"hi"}]}`)
	// Terminal upstream errors are not retried and not rewrapped.
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.JSONEq(t, `{"error":{"message":"no such deployment","type":"invalid_request_error"}}`, string(body))
	require.Equal(t, int32(1), hits.Load())

	rows := env.sink.waitRows(t, 1)
	require.Equal(t, string(recorder.OutcomeError), rows[0].Outcome)
}

func TestChatCompletions_responseObservations(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-1",
			"choices":[{"index":0,"message":{"role":"assistant","content":"","tool_calls":[
				{"id":"call_9","type":"function","function":{"name":"lookup","arguments":"{}"}}
			]},"finish_reason":"tool_calls"}],
			"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}
		}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, proxyConfig(modelEntry("alpha", upstream.URL)))

	resp, _ := env.post(t, "/v1/chat/completions",
		`{"model":"alpha","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rows := env.sink.waitRows(t, 1)
	row := rows[0]
	require.Equal(t, 3, row.PromptTokens)
	require.Equal(t, 5, row.CompletionTokens)
	require.Equal(t, 8, row.TotalTokens)
	require.Equal(t, "tool_calls", row.StopReason)
	require.True(t, row.IsToolCall)
}

func TestChatCompletions_modelNotFound(t *testing.T) {
	env := newTestEnv(t, proxyConfig(modelEntry("alpha", "http://alpha.invalid")))

	resp, body := env.post(t, "/v1/chat/completions",
		`{"model":"ghost","messages":[{"role":"user","content":"hi"}]}`)
	requireErrorBody(t, resp, body, http.StatusBadRequest, "model_not_found")
	require.Contains(t, gjson.GetBytes(body, "detail.error.message").Str, "model not found")

	rows := env.sink.waitRows(t, 1)
	require.Equal(t, string(recorder.OutcomeError), rows[0].Outcome)
	require.Eventually(t, func() bool {
		for _, e := range env.sink.errorRows() {
			if e.Source == "router" && strings.Contains(e.Message, "model not found") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMessages_nonStreaming(t *testing.T) {
	var gotPath string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-1","model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":2,"completion_tokens":3,"total_tokens":5}
		}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, proxyConfig(modelEntry("alpha", upstream.URL)))

	clientBody := `{"model":"alpha","messages":[{"role":"user","content":"hi"}],"max_tokens":64}`
	resp, body := env.post(t, "/v1/messages", clientBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Upstream got the chat translation at the chat endpoint.
	require.Equal(t, "/v1/chat/completions", gotPath)
	require.Equal(t, "alpha", gjson.GetBytes(gotBody, "model").Str)
	require.Equal(t, int64(64), gjson.GetBytes(gotBody, "max_tokens").Int())
	require.Equal(t, "user", gjson.GetBytes(gotBody, "messages.0.role").Str)
	require.Equal(t, "hi", gjson.GetBytes(gotBody, "messages.0.content").Str)

	// The client got the Messages translation of the chat response.
	require.Equal(t, "message", gjson.GetBytes(body, "type").Str)
	require.Equal(t, "assistant", gjson.GetBytes(body, "role").Str)
	require.Equal(t, "gpt-4o-mini", gjson.GetBytes(body, "model").Str)
	require.Equal(t, "hello", gjson.GetBytes(body, "content.0.text").Str)
	require.Equal(t, "end_turn", gjson.GetBytes(body, "stop_reason").Str)
	require.Equal(t, int64(2), gjson.GetBytes(body, "usage.input_tokens").Int())
	require.Equal(t, int64(3), gjson.GetBytes(body, "usage.output_tokens").Int())

	// The request log keeps the client-facing view.
	rows := env.sink.waitRows(t, 1)
	row := rows[0]
	require.Equal(t, string(recorder.OutcomeSuccess), row.Outcome)
	require.Equal(t, "/v1/messages", row.Path)
	require.Equal(t, clientBody, row.Body)
	require.Equal(t, 2, row.PromptTokens)
	require.Equal(t, 5, row.TotalTokens)
	require.Equal(t, "stop", row.StopReason)
}

func TestMessages_upstreamDecodeFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`not json`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, proxyConfig(modelEntry("alpha", upstream.URL)))

	resp, body := env.post(t, "/v1/messages",
		`{"model":"alpha","messages":[{"role":"user","content":"hi"}],"max_tokens":16}`)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Contains(t, gjson.GetBytes(body, "detail").Str, "failed to decode upstream chat completion")

	rows := env.sink.waitRows(t, 1)
	require.Equal(t, string(recorder.OutcomeError), rows[0].Outcome)
	require.Eventually(t, func() bool {
		for _, e := range env.sink.errorRows() {
			if e.Source == "translate" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestResponses_conversationChain(t *testing.T) {
	var chatBodies [][]byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		chatBodies = append(chatBodies, body)
		w.Header().Set("Content-Type", "application/json")
		content := "B"
		if len(chatBodies) > 1 {
			content = "D"
		}
		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-` + content + `","model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"` + content + `"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}
		}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, proxyConfig(modelEntry("alpha", upstream.URL)))

	resp, first := env.post(t, "/v1/responses", `{"model":"alpha","input":"A"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "response", gjson.GetBytes(first, "object").Str)
	require.Equal(t, "completed", gjson.GetBytes(first, "status").Str)
	require.Equal(t, "B", gjson.GetBytes(first, "output.0.content.0.text").Str)
	firstID := gjson.GetBytes(first, "id").Str
	require.True(t, strings.HasPrefix(firstID, "resp_"))
	require.Equal(t, 1, env.states.Len())

	resp, second := env.post(t, "/v1/responses",
		`{"model":"alpha","input":"C","previous_response_id":"`+firstID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, firstID, gjson.GetBytes(second, "previous_response_id").Str)
	require.Equal(t, "D", gjson.GetBytes(second, "output.0.content.0.text").Str)
	require.Equal(t, 2, env.states.Len())

	// The second upstream call replays the whole conversation.
	require.Len(t, chatBodies, 2)
	replay := chatBodies[1]
	require.Equal(t, int64(3), gjson.GetBytes(replay, "messages.#").Int())
	require.Equal(t, "user", gjson.GetBytes(replay, "messages.0.role").Str)
	require.Equal(t, "A", gjson.GetBytes(replay, "messages.0.content").Str)
	require.Equal(t, "assistant", gjson.GetBytes(replay, "messages.1.role").Str)
	require.Equal(t, "B", gjson.GetBytes(replay, "messages.1.content").Str)
	require.Equal(t, "user", gjson.GetBytes(replay, "messages.2.role").Str)
	require.Equal(t, "C", gjson.GetBytes(replay, "messages.2.content").Str)

	rows := env.sink.waitRows(t, 2)
	require.Equal(t, 1, rows[0].ConversationTurn)
	require.Equal(t, 2, rows[1].ConversationTurn)
}

func TestResponses_unknownPreviousResponseID(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, proxyConfig(modelEntry("alpha", upstream.URL)))

	// A dangling chain pointer degrades to an empty history, not an error.
	resp, _ := env.post(t, "/v1/responses",
		`{"model":"alpha","input":"C","previous_response_id":"resp_missing"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(1), gjson.GetBytes(gotBody, "messages.#").Int())
	require.Equal(t, "C", gjson.GetBytes(gotBody, "messages.0.content").Str)

	rows := env.sink.waitRows(t, 1)
	require.Equal(t, 1, rows[0].ConversationTurn)
}

func TestResponses_storeOptOut(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"B"},"finish_reason":"stop"}]}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, proxyConfig(modelEntry("alpha", upstream.URL)))

	resp, body := env.post(t, "/v1/responses", `{"model":"alpha","input":"A","store":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "completed", gjson.GetBytes(body, "status").Str)
	respID := gjson.GetBytes(body, "id").Str
	require.True(t, strings.HasPrefix(respID, "resp_"))
	require.Equal(t, 0, env.states.Len())

	// Chaining onto the unsaved response degrades to an empty history.
	resp, _ = env.post(t, "/v1/responses",
		`{"model":"alpha","input":"C","previous_response_id":"`+respID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rows := env.sink.waitRows(t, 2)
	require.Equal(t, 1, rows[1].ConversationTurn)
}

func TestEmbeddings_passthrough(t *testing.T) {
	var gotPath, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}],"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, proxyConfig(modelEntry("alpha", upstream.URL)))

	clientBody := `{"model":"alpha","input":"hello world"}`
	resp, body := env.post(t, "/v1/embeddings", clientBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "/v1/embeddings", gotPath)
	require.JSONEq(t, clientBody, gotBody)
	require.Equal(t, "list", gjson.GetBytes(body, "object").Str)

	rows := env.sink.waitRows(t, 1)
	require.Equal(t, string(recorder.OutcomeSuccess), rows[0].Outcome)
	require.Equal(t, 2, rows[0].PromptTokens)
	require.Equal(t, 2, rows[0].TotalTokens)
}

func TestRerank_passthrough(t *testing.T) {
	var gotPath, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"index":1,"relevance_score":0.9},{"index":0,"relevance_score":0.2}]}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, proxyConfig(modelEntry("alpha", upstream.URL)))

	clientBody := `{"model":"alpha","query":"tallest mountain","documents":["K2","Everest"],"top_n":2}`
	resp, body := env.post(t, "/v1/rerank", clientBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "/v1/rerank", gotPath)
	require.JSONEq(t, clientBody, gotBody)
	require.Equal(t, int64(1), gjson.GetBytes(body, "results.0.index").Int())

	rows := env.sink.waitRows(t, 1)
	require.Equal(t, string(recorder.OutcomeSuccess), rows[0].Outcome)
	require.Equal(t, "alpha", rows[0].Model)
}

func TestValidation_rejectedRequests(t *testing.T) {
	env := newTestEnv(t, proxyConfig(modelEntry("alpha", "http://alpha.invalid")))

	tests := []struct {
		name string
		path string
		body string
		code string
	}{
		{"chat malformed json", "/v1/chat/completions", `{"model":`, "invalid_json"},
		{"chat array body", "/v1/chat/completions", `[{"model":"alpha"}]`, "invalid_json_shape"},
		{"chat missing model", "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, "missing_model"},
		{"chat numeric model", "/v1/chat/completions", `{"model":7,"messages":[{"role":"user","content":"hi"}]}`, "missing_model"},
		{"chat missing messages", "/v1/chat/completions", `{"model":"alpha"}`, "missing_messages"},
		{"chat empty messages", "/v1/chat/completions", `{"model":"alpha","messages":[]}`, "missing_messages"},

		{"messages missing model", "/v1/messages", `{"messages":[{"role":"user","content":"hi"}],"max_tokens":16}`, "missing_model"},
		{"messages empty messages", "/v1/messages", `{"model":"alpha","messages":[],"max_tokens":16}`, "missing_messages"},
		{"messages missing max_tokens", "/v1/messages", `{"model":"alpha","messages":[{"role":"user","content":"hi"}]}`, "invalid_input"},

		{"responses missing model", "/v1/responses", `{"input":"hi"}`, "missing_model"},
		{"responses missing input", "/v1/responses", `{"model":"alpha"}`, "invalid_input"},

		{"embeddings missing model", "/v1/embeddings", `{"input":"hi"}`, "missing_model"},
		{"embeddings missing input", "/v1/embeddings", `{"model":"alpha"}`, "invalid_input"},
		{"embeddings empty input list", "/v1/embeddings", `{"model":"alpha","input":[]}`, "invalid_input"},
		{"embeddings numeric input list", "/v1/embeddings", `{"model":"alpha","input":[1,2]}`, "invalid_input"},

		{"rerank missing model", "/v1/rerank", `{"query":"q","documents":["d"]}`, "missing_model"},
		{"rerank blank query", "/v1/rerank", `{"model":"alpha","query":"  ","documents":["d"]}`, "invalid_query"},
		{"rerank empty documents", "/v1/rerank", `{"model":"alpha","query":"q","documents":[]}`, "invalid_documents"},
		{"rerank zero top_n", "/v1/rerank", `{"model":"alpha","query":"q","documents":["d"],"top_n":0}`, "invalid_top_n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.post(t, tc.path, tc.body)
			requireErrorBody(t, resp, body, http.StatusBadRequest, tc.code)
		})
	}
}
