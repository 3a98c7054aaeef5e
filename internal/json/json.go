// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package json re-exports the sonic JSON implementation configured to be a
// drop-in replacement for encoding/json. Under `go test`, the stdlib-compatible
// configuration is used so that output diffs deterministically.
package json

import (
	stdjson "encoding/json"
	"testing"

	sonicjson "github.com/bytedance/sonic" // nolint: depguard
)

var (
	Unmarshal     = sonicjson.ConfigDefault.Unmarshal
	Marshal       = sonicjson.ConfigDefault.Marshal
	NewEncoder    = sonicjson.ConfigDefault.NewEncoder
	NewDecoder    = sonicjson.ConfigDefault.NewDecoder
	Valid         = sonicjson.ConfigDefault.Valid
	MarshalIndent = sonicjson.ConfigDefault.MarshalIndent
)

// RawMessage is a raw encoded JSON value, compatible with encoding/json.
type RawMessage = stdjson.RawMessage

func init() {
	if testing.Testing() {
		config := sonicjson.ConfigStd
		Unmarshal = config.Unmarshal
		Marshal = config.Marshal
		NewEncoder = config.NewEncoder
		NewDecoder = config.NewDecoder
	}
}
