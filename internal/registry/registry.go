// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package registry maps logical model names to upstream backends and builds
// the ordered failover route for a request. Entries come from two layers: the
// static configuration (defaults) and a runtime layer fed by the admin
// endpoint (added). The added layer may not shadow a default name and is
// persisted so restarts reproduce runtime registrations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/redaction"
)

// DefaultRequestTimeout applies when a backend has no request_timeout.
const DefaultRequestTimeout = 30 * time.Second

// Sentinel errors the HTTP layer maps to status codes.
var (
	// ErrModelNotFound means the primary model of a route is not registered.
	ErrModelNotFound = errors.New("model not found")
	// ErrProtectedModel means a registration collides with a default-layer or
	// protected entry.
	ErrProtectedModel = errors.New("model is protected")
	// ErrRegistryClosed means the registry no longer accepts registrations
	// because shutdown has begun.
	ErrRegistryClosed = errors.New("registry is closed")
)

// Ownership labels reported by model listings, one per layer.
const (
	OwnerConfig = "config"
	OwnerAdmin  = "admin"
)

// ModelInfo describes a registered model for listing purposes.
type ModelInfo struct {
	Name string
	// Owner is OwnerConfig for default-layer entries and OwnerAdmin for
	// runtime registrations.
	Owner string
}

// Backend is an immutable upstream target.
type Backend struct {
	// Name is the logical model name clients use.
	Name    string
	BaseURL string
	APIKey  string
	// RequestTimeout is zero when unset; resolve with Timeout.
	RequestTimeout time.Duration
	// TargetModel is the upstream's true model id; the proxy rewrites the
	// client's logical name to it. Empty means no rewrite.
	TargetModel       string
	SupportsReasoning bool
}

// Timeout returns the effective per-request timeout.
func (b *Backend) Timeout() time.Duration {
	if b.RequestTimeout > 0 {
		return b.RequestTimeout
	}
	return DefaultRequestTimeout
}

// FromEntry builds a Backend from a config entry, deriving the target model:
// an explicit target_model or forward_model wins, else a leading "openai/"
// provider prefix is stripped from model, else the raw model is used.
func FromEntry(e config.ModelEntry) Backend {
	p := e.ModelParams
	target := p.TargetModel
	if target == "" {
		target = p.ForwardModel
	}
	if target == "" {
		target = strings.TrimPrefix(p.Model, "openai/")
	}
	return Backend{
		Name:              e.ModelName,
		BaseURL:           p.APIBase,
		APIKey:            p.APIKey,
		RequestTimeout:    time.Duration(p.RequestTimeout) * time.Second,
		TargetModel:       target,
		SupportsReasoning: p.SupportsReasoning,
	}
}

// Registry is the two-layer backend table. A single mutex serializes
// registrations against route building, which is fine at proxy request rates.
type Registry struct {
	mu sync.Mutex

	defaults     map[string]Backend
	defaultOrder []string

	added      map[string]Backend
	addedOrder []string
	// protected names in the added layer may not be replaced again.
	protectedAdded map[string]struct{}

	// fallback lists per layer; added wins per primary name.
	defaultFallbacks map[string][]string
	addedFallbacks   map[string][]string

	persistPath string
	closed      bool
	logger      *slog.Logger
}

// New returns an empty registry. Call LoadConfig to install the default layer.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		defaults:         map[string]Backend{},
		added:            map[string]Backend{},
		protectedAdded:   map[string]struct{}{},
		defaultFallbacks: map[string][]string{},
		addedFallbacks:   map[string][]string{},
		logger:           logger.With(slog.String("component", "registry")),
	}
}

// LoadConfig replaces the default layer from cfg, keeping the added layer.
// It implements [config.Receiver] so the config watcher can hot-swap
// defaults. Added entries that collide with a new default name are dropped.
func (r *Registry) LoadConfig(_ context.Context, cfg *config.Config) error {
	defaults := make(map[string]Backend, len(cfg.ModelList))
	order := make([]string, 0, len(cfg.ModelList))
	for _, entry := range cfg.ModelList {
		defaults[entry.ModelName] = FromEntry(entry)
		order = append(order, entry.ModelName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = defaults
	r.defaultOrder = order
	r.defaultFallbacks = cfg.RouterSettings.FallbackMap()
	r.persistPath = cfg.GeneralSettings.AddedModelsPath
	for name := range r.added {
		if _, shadowed := defaults[name]; shadowed {
			r.logger.Warn("dropping added model shadowed by new config", slog.String("model", name))
			r.dropAddedLocked(name)
		}
	}
	return nil
}

// LoadAdded seeds the added layer from its persisted form, used at startup.
func (r *Registry) LoadAdded(am *config.AddedModels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range am.ModelList {
		if _, shadowed := r.defaults[entry.ModelName]; shadowed {
			r.logger.Warn("ignoring persisted model shadowed by config", slog.String("model", entry.ModelName))
			continue
		}
		if _, exists := r.added[entry.ModelName]; !exists {
			r.addedOrder = append(r.addedOrder, entry.ModelName)
		}
		r.added[entry.ModelName] = FromEntry(entry)
		if entry.Protected {
			r.protectedAdded[entry.ModelName] = struct{}{}
		}
	}
	for _, fb := range am.Fallbacks {
		for primary, names := range fb {
			r.addedFallbacks[primary] = names
		}
	}
}

// Lookup returns the backend registered under name, added layer first.
func (r *Registry) Lookup(name string) (Backend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(name)
}

func (r *Registry) lookupLocked(name string) (Backend, bool) {
	if b, ok := r.defaults[name]; ok {
		return b, true
	}
	b, ok := r.added[name]
	return b, ok
}

// ListNames returns all model names, defaults in config order followed by
// added entries in registration order.
func (r *Registry) ListNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.defaultOrder)+len(r.addedOrder))
	out = append(out, r.defaultOrder...)
	out = append(out, r.addedOrder...)
	return out
}

// ListModels returns all registered models with their owning layer, defaults
// in config order followed by added entries in registration order.
func (r *Registry) ListModels() []ModelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ModelInfo, 0, len(r.defaultOrder)+len(r.addedOrder))
	for _, name := range r.defaultOrder {
		out = append(out, ModelInfo{Name: name, Owner: OwnerConfig})
	}
	for _, name := range r.addedOrder {
		out = append(out, ModelInfo{Name: name, Owner: OwnerAdmin})
	}
	return out
}

// Register upserts a backend into the added layer and persists the layer.
// It reports whether an existing added entry was replaced. Registration is
// rejected when the name belongs to the default layer, when an added entry is
// protected, or after Close.
func (r *Registry) Register(b Backend, fallbacks []string, protected bool) (replaced bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrRegistryClosed
	}
	if _, isDefault := r.defaults[b.Name]; isDefault {
		return false, fmt.Errorf("%q is defined in the static configuration: %w", b.Name, ErrProtectedModel)
	}
	if _, isProtected := r.protectedAdded[b.Name]; isProtected {
		return false, fmt.Errorf("%q was registered as protected: %w", b.Name, ErrProtectedModel)
	}

	_, replaced = r.added[b.Name]
	if !replaced {
		r.addedOrder = append(r.addedOrder, b.Name)
	}
	r.added[b.Name] = b
	if fallbacks != nil {
		r.addedFallbacks[b.Name] = slices.Clone(fallbacks)
	}
	if protected {
		r.protectedAdded[b.Name] = struct{}{}
	}

	if err := r.persistLocked(); err != nil {
		// The in-memory registration stands; persistence failures only cost
		// durability across restarts.
		r.logger.Error("failed to persist added models", slog.String("error", err.Error()))
	}
	r.logger.Info("registered model",
		slog.String("model", b.Name),
		slog.String("base_url", b.BaseURL),
		slog.String("api_key", redaction.RedactString(b.APIKey)),
		slog.Bool("replaced", replaced))
	return replaced, nil
}

// Fallbacks returns the effective fallback list for a primary model.
func (r *Registry) Fallbacks(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.fallbacksLocked(name))
}

func (r *Registry) fallbacksLocked(name string) []string {
	if fb, ok := r.addedFallbacks[name]; ok {
		return fb
	}
	return r.defaultFallbacks[name]
}

// BuildRoute returns the ordered backends to try for model: the primary
// first, then its declared fallbacks filtered to registered backends, with
// duplicates suppressed.
func (r *Registry) BuildRoute(model string) ([]Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	primary, ok := r.lookupLocked(model)
	if !ok {
		return nil, fmt.Errorf("%q: %w", model, ErrModelNotFound)
	}
	route := []Backend{primary}
	seen := map[string]struct{}{primary.Name: {}}
	for _, name := range r.fallbacksLocked(model) {
		if _, dup := seen[name]; dup {
			continue
		}
		b, ok := r.lookupLocked(name)
		if !ok {
			r.logger.Warn("skipping undefined fallback", slog.String("model", model), slog.String("fallback", name))
			continue
		}
		seen[name] = struct{}{}
		route = append(route, b)
	}
	return route, nil
}

// Close stops accepting registrations. Lookups and route building keep
// working so in-flight requests can finish.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Registry) dropAddedLocked(name string) {
	delete(r.added, name)
	delete(r.protectedAdded, name)
	delete(r.addedFallbacks, name)
	r.addedOrder = slices.DeleteFunc(r.addedOrder, func(n string) bool { return n == name })
}

// persistLocked writes the added layer to its configured path.
func (r *Registry) persistLocked() error {
	if r.persistPath == "" {
		return nil
	}
	am := &config.AddedModels{}
	for _, name := range r.addedOrder {
		b := r.added[name]
		_, protected := r.protectedAdded[name]
		am.ModelList = append(am.ModelList, config.ModelEntry{
			ModelName: name,
			Protected: protected,
			ModelParams: config.ModelParams{
				APIBase:           b.BaseURL,
				APIKey:            b.APIKey,
				RequestTimeout:    int(b.RequestTimeout / time.Second),
				TargetModel:       b.TargetModel,
				SupportsReasoning: b.SupportsReasoning,
			},
		})
		if fb, ok := r.addedFallbacks[name]; ok {
			am.Fallbacks = append(am.Fallbacks, map[string][]string{name: fb})
		}
	}
	return config.SaveAddedModels(r.persistPath, am)
}
