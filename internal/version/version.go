// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version holds the build version of modelmux.
package version

// Version is the current version of the build. This is populated by the Go
// linker via -ldflags "-X github.com/modelmux/modelmux/internal/version.Version=...".
var Version = "dev"
