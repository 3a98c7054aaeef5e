// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package cohere contains the Cohere-style rerank API schema served on the
// /v1/rerank endpoint. The proxy validates requests against these types and
// forwards the body unchanged, so only the validated surface is modeled.
package cohere

import (
	"fmt"
	"strings"
)

// RerankRequest is the request body of POST /v1/rerank,
// https://docs.cohere.com/reference/rerank.
type RerankRequest struct {
	Model string `json:"model"`
	// Query is the search query the documents are ranked against.
	Query string `json:"query"`
	// Documents is the list of texts to rank.
	Documents []string `json:"documents"`
	// TopN limits the number of ranked results returned.
	TopN            *int `json:"top_n,omitempty"`
	MaxTokensPerDoc *int `json:"max_tokens_per_doc,omitempty"`
}

// Validate checks the request fields the endpoint requires.
func (r *RerankRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("query must be a non-empty string")
	}
	if len(r.Documents) == 0 {
		return fmt.Errorf("documents must be a non-empty array of strings")
	}
	if r.TopN != nil && *r.TopN <= 0 {
		return fmt.Errorf("top_n must be a positive integer")
	}
	return nil
}

// RerankResponse is the response body of a rerank call.
type RerankResponse struct {
	ID      string          `json:"id,omitempty"`
	Results []*RerankResult `json:"results"`
	Meta    *RerankMeta     `json:"meta,omitempty"`
}

// RerankResult is the ranking of a single document.
type RerankResult struct {
	// Index is the position of the document in the request list.
	Index int `json:"index"`
	// RelevanceScore is normalized to [0, 1].
	RelevanceScore float64 `json:"relevance_score"`
}

// RerankMeta carries billing and token metadata.
type RerankMeta struct {
	BilledUnits *RerankBilledUnits `json:"billed_units,omitempty"`
	Tokens      *RerankTokens      `json:"tokens,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
}

// RerankBilledUnits is the billed unit breakdown of a rerank call.
type RerankBilledUnits struct {
	InputTokens  *float64 `json:"input_tokens,omitempty"`
	OutputTokens *float64 `json:"output_tokens,omitempty"`
	SearchUnits  *float64 `json:"search_units,omitempty"`
}

// RerankTokens is the token count breakdown of a rerank call.
type RerankTokens struct {
	InputTokens  *float64 `json:"input_tokens,omitempty"`
	OutputTokens *float64 `json:"output_tokens,omitempty"`
}
