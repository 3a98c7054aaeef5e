// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mainlib

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelmux/modelmux/internal/pprof"
)

// startAdminServer starts an HTTP admin server on the provided listener. It
// exposes:
//   - /metrics: Prometheus metrics, when the metrics graph exports to
//     Prometheus (registry is nil when it exports elsewhere).
//   - /health: liveness check.
//   - /debug/pprof/...: runtime profiles, unless disabled via environment.
//
// The server returned is running in a goroutine.
func startAdminServer(lis net.Listener, logger *slog.Logger, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()

	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{},
		))
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	})

	if pprof.Enabled() {
		pprof.Register(mux)
	}

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("starting admin server", "address", lis.Addr())
		if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", "error", err)
		}
	}()

	return server
}
