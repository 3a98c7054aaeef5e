// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package bodymutator rewrites a request payload for the backend it is about
// to be sent to. The logical model name is replaced with the backend's target
// model, and reasoning-capable backends get thinking enabled unless the
// client already chose a mode. Everything else passes through byte-for-byte.
package bodymutator

import (
	"log/slog"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelmux/modelmux/internal/registry"
)

// sjsonOptions are the options used for all payload rewrites.
var sjsonOptions = &sjson.Options{
	Optimistic: true,
	// Note: DO NOT set ReplaceInPlace to true since the router calls Mutate once
	// per backend attempt with the same buffer; the original body must survive
	// for the next attempt, i.e. the operation must be idempotent.
	ReplaceInPlace: false,
}

// thinkingEnabled is injected verbatim when a reasoning backend is selected
// and the client did not pick a thinking mode itself.
var thinkingEnabled = []byte(`{"type":"enabled"}`)

// BodyMutator applies per-backend payload rewrites.
type BodyMutator struct {
	logger *slog.Logger
}

// New returns a BodyMutator that logs failed rewrites through logger.
func New(logger *slog.Logger) *BodyMutator {
	return &BodyMutator{logger: logger.With(slog.String("component", "bodymutator"))}
}

// Mutate returns body adjusted for backend b. When b carries a target model
// the payload's model field is set to it; when b supports reasoning and the
// payload has no thinking.type, thinking is enabled. When neither rewrite
// applies, the original slice is returned without re-serialization. A failed
// rewrite is logged and the untouched original returned so the request still
// goes out.
func (m *BodyMutator) Mutate(body []byte, b registry.Backend) []byte {
	out := body
	if b.TargetModel != "" {
		mutated, err := sjson.SetBytesOptions(out, "model", b.TargetModel, sjsonOptions)
		if err != nil {
			m.logger.Error("failed to set model in request body",
				slog.String("backend", b.Name), slog.String("error", err.Error()))
			return body
		}
		out = mutated
	}
	if b.SupportsReasoning && !gjson.GetBytes(out, "thinking.type").Exists() {
		mutated, err := sjson.SetRawBytesOptions(out, "thinking", thinkingEnabled, sjsonOptions)
		if err != nil {
			m.logger.Error("failed to enable thinking in request body",
				slog.String("backend", b.Name), slog.String("error", err.Error()))
			return body
		}
		out = mutated
	}
	return out
}
