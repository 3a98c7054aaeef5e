// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package registry

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
model_list:
  - model_name: gpt-4.1
    model_params:
      model: openai/gpt-4.1
      api_base: https://api.openai.com/v1
      api_key: sk-default
  - model_name: claude-sonnet
    model_params:
      model: claude-sonnet-4-5
      api_base: https://gateway.example.com/v1
      api_key: sk-claude
      request_timeout: 120
      supports_reasoning: true
router_settings:
  num_retries: 2
  fallbacks:
    - gpt-4.1: [claude-sonnet]
`))
	require.NoError(t, err)
	return cfg
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(slog.Default())
	require.NoError(t, r.LoadConfig(t.Context(), testConfig(t)))
	return r
}

func TestFromEntry_targetModel(t *testing.T) {
	for _, tc := range []struct {
		name   string
		params config.ModelParams
		exp    string
	}{
		{
			name:   "explicit target_model wins",
			params: config.ModelParams{Model: "openai/gpt-4.1", TargetModel: "gpt-4.1-2025-04-14"},
			exp:    "gpt-4.1-2025-04-14",
		},
		{
			name:   "forward_model is an alias for target_model",
			params: config.ModelParams{Model: "openai/gpt-4.1", ForwardModel: "gpt-4.1-mini"},
			exp:    "gpt-4.1-mini",
		},
		{
			name:   "provider prefix stripped",
			params: config.ModelParams{Model: "openai/gpt-4.1"},
			exp:    "gpt-4.1",
		},
		{
			name:   "raw model passes through",
			params: config.ModelParams{Model: "claude-sonnet-4-5"},
			exp:    "claude-sonnet-4-5",
		},
		{
			name:   "no model means no rewrite",
			params: config.ModelParams{},
			exp:    "",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := FromEntry(config.ModelEntry{ModelName: "m", ModelParams: tc.params})
			require.Equal(t, tc.exp, b.TargetModel)
		})
	}
}

func TestBackend_Timeout(t *testing.T) {
	b := Backend{}
	require.Equal(t, DefaultRequestTimeout, b.Timeout())
	b.RequestTimeout = 120 * time.Second
	require.Equal(t, 120*time.Second, b.Timeout())
}

func TestRegistry_Lookup(t *testing.T) {
	r := newTestRegistry(t)

	b, ok := r.Lookup("claude-sonnet")
	require.True(t, ok)
	require.Equal(t, "https://gateway.example.com/v1", b.BaseURL)
	require.Equal(t, 120*time.Second, b.RequestTimeout)
	require.True(t, b.SupportsReasoning)

	_, ok = r.Lookup("nope")
	require.False(t, ok)
}

func TestRegistry_ListNames(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(Backend{Name: "llama", BaseURL: "http://localhost:8000/v1"}, nil, false)
	require.NoError(t, err)
	require.Equal(t, []string{"gpt-4.1", "claude-sonnet", "llama"}, r.ListNames())
}

func TestRegistry_ListModels(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(Backend{Name: "llama", BaseURL: "http://localhost:8000/v1"}, nil, false)
	require.NoError(t, err)
	require.Equal(t, []ModelInfo{
		{Name: "gpt-4.1", Owner: OwnerConfig},
		{Name: "claude-sonnet", Owner: OwnerConfig},
		{Name: "llama", Owner: OwnerAdmin},
	}, r.ListModels())
}

func TestRegistry_BuildRoute(t *testing.T) {
	r := newTestRegistry(t)

	t.Run("primary plus fallbacks", func(t *testing.T) {
		route, err := r.BuildRoute("gpt-4.1")
		require.NoError(t, err)
		require.Len(t, route, 2)
		require.Equal(t, "gpt-4.1", route[0].Name)
		require.Equal(t, "claude-sonnet", route[1].Name)
	})

	t.Run("no fallbacks", func(t *testing.T) {
		route, err := r.BuildRoute("claude-sonnet")
		require.NoError(t, err)
		require.Len(t, route, 1)
	})

	t.Run("unknown model", func(t *testing.T) {
		_, err := r.BuildRoute("nope")
		require.ErrorIs(t, err, ErrModelNotFound)
	})

	t.Run("undefined fallback skipped, duplicates suppressed", func(t *testing.T) {
		_, err := r.Register(Backend{Name: "mix", BaseURL: "http://localhost:9/v1"},
			[]string{"claude-sonnet", "ghost", "claude-sonnet", "mix"}, false)
		require.NoError(t, err)
		route, err := r.BuildRoute("mix")
		require.NoError(t, err)
		require.Len(t, route, 2)
		require.Equal(t, "mix", route[0].Name)
		require.Equal(t, "claude-sonnet", route[1].Name)
	})
}

func TestRegistry_Register(t *testing.T) {
	r := newTestRegistry(t)

	t.Run("new then replace", func(t *testing.T) {
		replaced, err := r.Register(Backend{Name: "llama", BaseURL: "http://a/v1"}, nil, false)
		require.NoError(t, err)
		require.False(t, replaced)

		replaced, err = r.Register(Backend{Name: "llama", BaseURL: "http://b/v1"}, nil, false)
		require.NoError(t, err)
		require.True(t, replaced)

		b, ok := r.Lookup("llama")
		require.True(t, ok)
		require.Equal(t, "http://b/v1", b.BaseURL)
	})

	t.Run("default layer collision", func(t *testing.T) {
		_, err := r.Register(Backend{Name: "gpt-4.1", BaseURL: "http://evil/v1"}, nil, false)
		require.ErrorIs(t, err, ErrProtectedModel)
	})

	t.Run("protected added entry", func(t *testing.T) {
		_, err := r.Register(Backend{Name: "pinned", BaseURL: "http://a/v1"}, nil, true)
		require.NoError(t, err)
		_, err = r.Register(Backend{Name: "pinned", BaseURL: "http://b/v1"}, nil, false)
		require.ErrorIs(t, err, ErrProtectedModel)
	})

	t.Run("closed registry", func(t *testing.T) {
		r.Close()
		_, err := r.Register(Backend{Name: "late", BaseURL: "http://a/v1"}, nil, false)
		require.ErrorIs(t, err, ErrRegistryClosed)
		// Route building keeps working for in-flight requests.
		_, err = r.BuildRoute("gpt-4.1")
		require.NoError(t, err)
	})
}

func TestRegistry_RegisterOverridesFallbacks(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(Backend{Name: "llama", BaseURL: "http://a/v1"}, nil, false)
	require.NoError(t, err)
	require.Empty(t, r.Fallbacks("llama"))

	_, err = r.Register(Backend{Name: "llama", BaseURL: "http://a/v1"}, []string{"claude-sonnet"}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"claude-sonnet"}, r.Fallbacks("llama"))
}

func TestRegistry_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "added.yaml")
	cfg := testConfig(t)
	cfg.GeneralSettings.AddedModelsPath = path

	r := New(slog.Default())
	require.NoError(t, r.LoadConfig(t.Context(), cfg))
	_, err := r.Register(Backend{
		Name:           "llama",
		BaseURL:        "http://localhost:8000/v1",
		APIKey:         "sk-local",
		RequestTimeout: 45 * time.Second,
	}, []string{"gpt-4.1"}, true)
	require.NoError(t, err)

	am, err := config.LoadAddedModels(path)
	require.NoError(t, err)

	r2 := New(slog.Default())
	require.NoError(t, r2.LoadConfig(t.Context(), cfg))
	r2.LoadAdded(am)

	b, ok := r2.Lookup("llama")
	require.True(t, ok)
	require.Equal(t, "http://localhost:8000/v1", b.BaseURL)
	require.Equal(t, "sk-local", b.APIKey)
	require.Equal(t, 45*time.Second, b.RequestTimeout)
	require.Equal(t, []string{"gpt-4.1"}, r2.Fallbacks("llama"))
	_, err = r2.Register(Backend{Name: "llama", BaseURL: "http://b/v1"}, nil, false)
	require.ErrorIs(t, err, ErrProtectedModel)
}

func TestRegistry_ReloadDropsShadowedAdded(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(Backend{Name: "gpt-5", BaseURL: "http://local/v1"}, nil, false)
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.ModelList = append(cfg.ModelList, config.ModelEntry{
		ModelName:   "gpt-5",
		ModelParams: config.ModelParams{Model: "openai/gpt-5", APIBase: "https://api.openai.com/v1"},
	})
	require.NoError(t, r.LoadConfig(t.Context(), cfg))

	b, ok := r.Lookup("gpt-5")
	require.True(t, ok)
	require.Equal(t, "https://api.openai.com/v1", b.BaseURL)
	require.Equal(t, []string{"gpt-4.1", "claude-sonnet", "gpt-5"}, r.ListNames())
}
