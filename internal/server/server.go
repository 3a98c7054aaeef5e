// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package server is the HTTP surface of the proxy: endpoint dispatch, request
// validation, dialect translation and streaming relay. Handlers never retry;
// retry and failover live in the router.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/recorder"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/statestore"
	"github.com/modelmux/modelmux/internal/tracing"
)

// Options carries the server's collaborators. Router, Registry, Recorders and
// States are required; Metrics and Tracing fall back to no-op implementations
// when nil.
type Options struct {
	Router    *router.Router
	Registry  *registry.Registry
	Recorders *recorder.Factory
	States    *statestore.Store
	Metrics   metrics.RequestMetricsFactory
	Tracing   tracing.Tracing
	Logger    *slog.Logger
}

// Server dispatches the proxy's endpoints.
//
// This implements [config.Receiver] so the responses-endpoint toggle follows
// configuration reloads.
type Server struct {
	routes    *router.Router
	registry  *registry.Registry
	recorders *recorder.Factory
	states    *statestore.Store
	metrics   metrics.RequestMetricsFactory
	tracing   tracing.Tracing
	logger    *slog.Logger

	responsesEnabled atomic.Bool
}

// New builds the server from its collaborators.
func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRequestMetricsFactory(metrics.NoopMetrics{}.Meter())
	}
	if opts.Tracing == nil {
		opts.Tracing = tracing.NoopTracing{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		routes:    opts.Router,
		registry:  opts.Registry,
		recorders: opts.Recorders,
		states:    opts.States,
		metrics:   opts.Metrics,
		tracing:   opts.Tracing,
		logger:    opts.Logger.With(slog.String("component", "server")),
	}
}

// LoadConfig implements [config.Receiver.LoadConfig]. Only the feature toggle
// is consumed here; the registry and router receive the same config through
// their own receivers.
func (s *Server) LoadConfig(_ context.Context, cfg *config.Config) error {
	s.responsesEnabled.Store(cfg.GeneralSettings.EnableResponsesEndpoint)
	return nil
}

// Handler returns the proxy's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/responses", s.handleResponses)
	mux.HandleFunc("POST /v1/messages", s.handleMessages)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("POST /v1/rerank", s.handleRerank)
	mux.HandleFunc("GET /v1/models", s.handleListModels)
	mux.HandleFunc("POST /admin/models", s.handleRegisterModel)
	return s.withRequestID(mux)
}

// withRequestID assigns each request an id, echoed as X-Request-Id, and
// writes one access log line when the request finishes.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", time.Since(start)))
	})
}

// statusWriter captures the committed status code for the access log while
// keeping the flushing behavior streaming responses depend on.
type statusWriter struct {
	http.ResponseWriter
	status    int
	committed bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.committed {
		w.status = code
		w.committed = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
