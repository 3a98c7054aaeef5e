// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package cohere

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func ptrTo[T any](v T) *T { return &v }

func TestRerankRequestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		req    RerankRequest
		expErr string
	}{
		{
			name: "valid",
			req:  RerankRequest{Model: "rerank-v3", Query: "q", Documents: []string{"a", "b"}},
		},
		{
			name: "valid with top_n",
			req:  RerankRequest{Model: "rerank-v3", Query: "q", Documents: []string{"a"}, TopN: ptrTo(1)},
		},
		{name: "missing model", req: RerankRequest{Query: "q", Documents: []string{"a"}}, expErr: "model is required"},
		{
			name:   "whitespace query",
			req:    RerankRequest{Model: "m", Query: "   ", Documents: []string{"a"}},
			expErr: "query must be a non-empty string",
		},
		{
			name:   "empty documents",
			req:    RerankRequest{Model: "m", Query: "q"},
			expErr: "documents must be a non-empty array",
		},
		{
			name:   "zero top_n",
			req:    RerankRequest{Model: "m", Query: "q", Documents: []string{"a"}, TopN: ptrTo(0)},
			expErr: "top_n must be a positive integer",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.expErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.expErr)
		})
	}
}

func TestRerankResponseUnmarshal(t *testing.T) {
	in := []byte(`{
        "id": "rr-1",
        "results": [
         {"index": 1, "relevance_score": 0.97},
         {"index": 0, "relevance_score": 0.12}
        ],
        "meta": {"billed_units": {"search_units": 1}}}`)
	var resp RerankResponse
	require.NoError(t, json.Unmarshal(in, &resp))
	require.Equal(t, "rr-1", resp.ID)
	require.Len(t, resp.Results, 2)
	require.Equal(t, 1, resp.Results[0].Index)
	require.InDelta(t, 0.97, resp.Results[0].RelevanceScore, 1e-9)
	require.Equal(t, ptrTo(float64(1)), resp.Meta.BilledUnits.SearchUnits)
}
