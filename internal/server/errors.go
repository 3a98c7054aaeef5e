// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"net/http"

	"github.com/modelmux/modelmux/internal/internalapi"
	"github.com/modelmux/modelmux/internal/json"
)

// errorTypeInvalidRequest is the error type reported for every request the
// proxy itself rejects; the code distinguishes the individual rules.
const errorTypeInvalidRequest = "invalid_request_error"

// Error codes carried in the rejection envelope.
const (
	codeInvalidJSON      = "invalid_json"
	codeInvalidJSONShape = "invalid_json_shape"
	codeMissingModel     = "missing_model"
	codeMissingMessages  = "missing_messages"
	codeInvalidInput     = "invalid_input"
	codeInvalidQuery     = "invalid_query"
	codeInvalidDocuments = "invalid_documents"
	codeInvalidTopN      = "invalid_top_n"
	codeModelNotFound    = "model_not_found"
	codeModelProtected   = "model_protected"
)

// errorEnvelope is the body of every proxy-originated rejection:
// {"detail":{"error":{"message","type","code"}}}. Upstream error bodies are
// never rewrapped; they pass through verbatim.
type errorEnvelope struct {
	Detail errorBody `json:"detail"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// writeError writes a structured rejection with the given status and code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{
		Detail: errorBody{
			Error: errorDetail{
				Message: message,
				Type:    errorTypeInvalidRequest,
				Code:    code,
			},
		},
	})
}

// writeDetail writes a plain {"detail": "..."} body, the format of
// synthesized gateway errors that have no client-correctable code.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeJSON encodes v as the response body. Encoding failures are silent
// because the header has already been committed.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", internalapi.ContentTypeJSON)
	w.WriteHeader(status)
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}
