// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package redaction keeps secrets and bulky payloads out of logs while
// preserving enough of a fingerprint to correlate entries.
package redaction

import (
	"fmt"
	"hash/crc32"
)

// ComputeContentHash returns a short fingerprint of s, used to correlate
// identical content across log entries without storing it twice. CRC32 is
// not cryptographic; it is enough for correlation and cheap on large bodies.
// The result is an 8-character hex string.
func ComputeContentHash(s string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(s)))
}

// RedactString replaces s with a placeholder carrying its length and hash,
// so log lines stay matchable to known values without exposing them.
// An empty string stays empty.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return fmt.Sprintf("[REDACTED LENGTH=%d HASH=%s]", len(s), ComputeContentHash(s))
}
