// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testConfig = `
model_list:
  - model_name: alpha
    model_params:
      model: openai/gpt-4.1
      api_base: https://api.openai.com/v1
      api_key: sk-alpha
      request_timeout: 60
  - model_name: beta
    model_params:
      model: llama-3.3-70b
      api_base: http://beta.internal:8000/v1
      supports_reasoning: true
  - model_name: alpha-eu
    extends: alpha
    model_params:
      api_base: https://eu.api.openai.com/v1
router_settings:
  num_retries: 2
  fallbacks:
    - alpha: [beta]
proxy_settings:
  server:
    host: 127.0.0.1
    port: 9000
general_settings:
  enable_responses_endpoint: true
  log_dir: /tmp/modelmux-logs
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(testConfig))
	require.NoError(t, err)
	require.Len(t, cfg.ModelList, 3)
	require.Equal(t, 2, cfg.RouterSettings.NumRetries)
	require.Equal(t, map[string][]string{"alpha": {"beta"}}, cfg.RouterSettings.FallbackMap())
	require.Equal(t, "127.0.0.1:9000", cfg.ProxySettings.Server.Addr())
	require.True(t, cfg.GeneralSettings.EnableResponsesEndpoint)

	alpha := cfg.ModelList[0]
	require.Equal(t, "openai/gpt-4.1", alpha.ModelParams.Model)
	require.Equal(t, 60, alpha.ModelParams.RequestTimeout)

	// alpha-eu inherits everything from alpha except the overridden api_base.
	eu := cfg.ModelList[2]
	require.Equal(t, "openai/gpt-4.1", eu.ModelParams.Model)
	require.Equal(t, "sk-alpha", eu.ModelParams.APIKey)
	require.Equal(t, 60, eu.ModelParams.RequestTimeout)
	require.Equal(t, "https://eu.api.openai.com/v1", eu.ModelParams.APIBase)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
model_list:
  - model_name: alpha
    model_params:
      api_base: http://u:1/v1
`))
	require.NoError(t, err)
	require.Equal(t, DefaultHost, cfg.ProxySettings.Server.Host)
	require.Equal(t, DefaultPort, cfg.ProxySettings.Server.Port)
	require.Equal(t, DefaultNumRetries, cfg.RouterSettings.NumRetries)
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		in     string
		expErr string
	}{
		{
			name:   "missing model_name",
			in:     "model_list:\n  - model_params:\n      api_base: http://u:1\n",
			expErr: "model_name is required",
		},
		{
			name: "duplicate model_name",
			in: "model_list:\n" +
				"  - model_name: a\n    model_params: {api_base: http://u:1}\n" +
				"  - model_name: a\n    model_params: {api_base: http://u:2}\n",
			expErr: `duplicate model_name "a"`,
		},
		{
			name:   "missing api_base",
			in:     "model_list:\n  - model_name: a\n    model_params: {model: m}\n",
			expErr: "api_base is required",
		},
		{
			name:   "unknown extends",
			in:     "model_list:\n  - model_name: a\n    extends: ghost\n    model_params: {api_base: http://u:1}\n",
			expErr: `extends unknown model "ghost"`,
		},
		{
			name: "extends cycle",
			in: "model_list:\n" +
				"  - model_name: a\n    extends: b\n    model_params: {api_base: http://u:1}\n" +
				"  - model_name: b\n    extends: a\n    model_params: {api_base: http://u:2}\n",
			expErr: "extends cycle",
		},
		{
			name:   "bad port",
			in:     "model_list:\n  - model_name: a\n    model_params: {api_base: http://u:1}\nproxy_settings:\n  server: {port: 70000}\n",
			expErr: "out of range",
		},
		{
			name:   "not yaml",
			in:     "{{{",
			expErr: "failed to unmarshal config",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.in))
			require.ErrorContains(t, err, tc.expErr)
		})
	}
}

func TestAddedModelsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "added_models.yaml")

	// Missing file reads back as an empty layer.
	am, err := LoadAddedModels(path)
	require.NoError(t, err)
	require.Empty(t, am.ModelList)

	am = &AddedModels{
		ModelList: []ModelEntry{
			{ModelName: "gamma", ModelParams: ModelParams{APIBase: "http://g:1/v1", APIKey: "sk-g"}},
		},
		Fallbacks: []map[string][]string{{"gamma": {"alpha"}}},
	}
	require.NoError(t, SaveAddedModels(path, am))

	loaded, err := LoadAddedModels(path)
	require.NoError(t, err)
	require.Equal(t, am, loaded)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

type capturingReceiver struct {
	ch chan *Config
}

func (c *capturingReceiver) LoadConfig(_ context.Context, cfg *Config) error {
	c.ch <- cfg
	return nil
}

func TestStartWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rcv := &capturingReceiver{ch: make(chan *Config, 2)}
	l := slog.New(slog.NewTextHandler(os.Stderr, nil))
	require.NoError(t, StartWatcher(ctx, path, rcv, l, 10*time.Millisecond))

	// Initial load is synchronous.
	first := <-rcv.ch
	require.Len(t, first.ModelList, 3)

	// Touch the file with new content and a newer mtime.
	updated := testConfig + "\n# updated\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case <-rcv.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not reload after file change")
	}
}

func TestStartWatcherMissingFile(t *testing.T) {
	rcv := &capturingReceiver{ch: make(chan *Config, 1)}
	l := slog.New(slog.NewTextHandler(os.Stderr, nil))
	err := StartWatcher(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"), rcv, l, time.Minute)
	require.ErrorContains(t, err, "failed to load initial config")
}
