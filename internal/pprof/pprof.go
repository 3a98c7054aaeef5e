// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package pprof mounts the runtime profiling handlers on the admin server.
package pprof

import (
	"net/http"
	"net/http/pprof"
	"os"
)

// DisableEnvVarKey is the environment variable name to disable the profiling
// endpoints. If this environment variable is set to any value, the handlers
// are not registered.
const DisableEnvVarKey = "DISABLE_PPROF"

// Enabled reports whether the profiling endpoints should be served.
func Enabled() bool {
	_, disabled := os.LookupEnv(DisableEnvVarKey)
	return !disabled
}

// Register mounts the profiling handlers under /debug/pprof/ on mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
