// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package config loads the proxy configuration from YAML: the static model
// list, router settings, the HTTP server address, and general settings such as
// log and state locations. The admin-registered "added" model layer is
// persisted separately so restarts reproduce runtime registrations.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration file.
type Config struct {
	ModelList       []ModelEntry    `yaml:"model_list"`
	RouterSettings  RouterSettings  `yaml:"router_settings"`
	ProxySettings   ProxySettings   `yaml:"proxy_settings"`
	GeneralSettings GeneralSettings `yaml:"general_settings"`
}

// ModelEntry declares one logical model and the backend serving it.
type ModelEntry struct {
	ModelName string `yaml:"model_name"`
	// Protected entries may not be replaced through the admin endpoint.
	Protected bool `yaml:"protected,omitempty"`
	// Extends inherits model_params from the named entry; fields set here
	// override the inherited ones.
	Extends     string      `yaml:"extends,omitempty"`
	ModelParams ModelParams `yaml:"model_params"`
}

// ModelParams is the backend configuration of a model entry.
type ModelParams struct {
	// Model is the upstream model identifier, optionally with a provider
	// prefix such as "openai/gpt-4.1".
	Model   string `yaml:"model,omitempty"`
	APIBase string `yaml:"api_base,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	// RequestTimeout is in seconds; zero means the default applies.
	RequestTimeout int `yaml:"request_timeout,omitempty"`
	// TargetModel and ForwardModel both name the true upstream model id;
	// TargetModel wins when both are set.
	TargetModel       string `yaml:"target_model,omitempty"`
	ForwardModel      string `yaml:"forward_model,omitempty"`
	SupportsReasoning bool   `yaml:"supports_reasoning,omitempty"`
}

// RouterSettings configures retry and failover behavior.
type RouterSettings struct {
	// NumRetries is the per-backend attempt budget; values below 1 are raised
	// to 1.
	NumRetries int `yaml:"num_retries,omitempty"`
	// Fallbacks is a list of single-key maps, primary model to ordered
	// fallback model names.
	Fallbacks []map[string][]string `yaml:"fallbacks,omitempty"`
}

// FallbackMap flattens the fallback list into a lookup map. Later entries for
// the same primary win.
func (r *RouterSettings) FallbackMap() map[string][]string {
	out := make(map[string][]string, len(r.Fallbacks))
	for _, entry := range r.Fallbacks {
		for primary, fallbacks := range entry {
			out[primary] = fallbacks
		}
	}
	return out
}

// ProxySettings configures the listening server.
type ProxySettings struct {
	Server ServerSettings `yaml:"server"`
}

// ServerSettings is the listen address of the proxy.
type ServerSettings struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// Addr formats the listen address.
func (s *ServerSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GeneralSettings holds feature toggles and state locations.
type GeneralSettings struct {
	EnableResponsesEndpoint bool `yaml:"enable_responses_endpoint,omitempty"`
	// LogDir is where per-request log files are written; empty disables them.
	LogDir string `yaml:"log_dir,omitempty"`
	// AddedModelsPath is where admin registrations are persisted; empty
	// disables persistence of the added layer.
	AddedModelsPath string            `yaml:"added_models_path,omitempty"`
	Database        *DatabaseSettings `yaml:"database,omitempty"`
	Redis           *RedisSettings    `yaml:"redis,omitempty"`
}

// DatabaseSettings configures the SQLite request log store.
type DatabaseSettings struct {
	Path string `yaml:"path"`
}

// RedisSettings configures the durable response state tier.
type RedisSettings struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Defaults applied by Load.
const (
	DefaultHost       = "0.0.0.0"
	DefaultPort       = 8080
	DefaultNumRetries = 1
)

// Load reads, parses and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(raw)
}

// Parse parses and validates raw YAML configuration.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.resolveExtends(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ProxySettings.Server.Host == "" {
		c.ProxySettings.Server.Host = DefaultHost
	}
	if c.ProxySettings.Server.Port == 0 {
		c.ProxySettings.Server.Port = DefaultPort
	}
	if c.RouterSettings.NumRetries < 1 {
		c.RouterSettings.NumRetries = DefaultNumRetries
	}
}

func (c *Config) validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(c.ModelList))
	for i := range c.ModelList {
		entry := &c.ModelList[i]
		if entry.ModelName == "" {
			errs = append(errs, fmt.Errorf("model_list[%d]: model_name is required", i))
			continue
		}
		if _, dup := seen[entry.ModelName]; dup {
			errs = append(errs, fmt.Errorf("model_list[%d]: duplicate model_name %q", i, entry.ModelName))
		}
		seen[entry.ModelName] = struct{}{}
		if entry.ModelParams.APIBase == "" {
			errs = append(errs, fmt.Errorf("model_list[%d] (%s): model_params.api_base is required", i, entry.ModelName))
		}
		if entry.ModelParams.RequestTimeout < 0 {
			errs = append(errs, fmt.Errorf("model_list[%d] (%s): request_timeout must not be negative", i, entry.ModelName))
		}
	}
	if port := c.ProxySettings.Server.Port; port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("proxy_settings.server.port %d out of range", port))
	}
	return errors.Join(errs...)
}

// resolveExtends copies unset model_params fields from the extended entry.
// Chains are followed; cycles and dangling references are errors.
func (c *Config) resolveExtends() error {
	byName := make(map[string]*ModelEntry, len(c.ModelList))
	for i := range c.ModelList {
		byName[c.ModelList[i].ModelName] = &c.ModelList[i]
	}
	for i := range c.ModelList {
		entry := &c.ModelList[i]
		visited := map[string]struct{}{entry.ModelName: {}}
		for name := entry.Extends; name != ""; {
			base, ok := byName[name]
			if !ok {
				return fmt.Errorf("model_list entry %q extends unknown model %q", entry.ModelName, name)
			}
			if _, cyclic := visited[name]; cyclic {
				return fmt.Errorf("model_list entry %q has an extends cycle through %q", entry.ModelName, name)
			}
			visited[name] = struct{}{}
			entry.ModelParams.inheritFrom(&base.ModelParams)
			name = base.Extends
		}
	}
	return nil
}

func (p *ModelParams) inheritFrom(base *ModelParams) {
	if p.Model == "" {
		p.Model = base.Model
	}
	if p.APIBase == "" {
		p.APIBase = base.APIBase
	}
	if p.APIKey == "" {
		p.APIKey = base.APIKey
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = base.RequestTimeout
	}
	if p.TargetModel == "" {
		p.TargetModel = base.TargetModel
	}
	if p.ForwardModel == "" {
		p.ForwardModel = base.ForwardModel
	}
	if !p.SupportsReasoning {
		p.SupportsReasoning = base.SupportsReasoning
	}
}
