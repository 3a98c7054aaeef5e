// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package headerfilter strips hop-by-hop headers when proxying and prepares
// the outbound header set for upstream calls. Filtering is idempotent: the
// functions return new header maps and never mutate their input.
package headerfilter

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are never forwarded in either direction, per RFC 9110 §7.6.1
// plus the de-facto proxy-connection.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// Filter returns a copy of h without hop-by-hop headers, including any header
// named in the Connection header itself.
func Filter(h http.Header) http.Header {
	connectionListed := map[string]struct{}{}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				connectionListed[http.CanonicalHeaderKey(name)] = struct{}{}
			}
		}
	}
	out := make(http.Header, len(h))
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if _, drop := hopByHopHeaders[canonical]; drop {
			continue
		}
		if _, drop := connectionListed[canonical]; drop {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	return out
}

// Outbound builds the header set for the upstream request: hop-by-hop headers
// and the client's authorization, host and content-length are dropped, the
// backend's key is installed as a bearer token, and Content-Type defaults to
// application/json.
func Outbound(h http.Header, apiKey string) http.Header {
	out := Filter(h)
	out.Del("Authorization")
	out.Del("Host")
	out.Del("Content-Length")
	if apiKey != "" {
		out.Set("Authorization", "Bearer "+apiKey)
	}
	if out.Get("Content-Type") == "" {
		out.Set("Content-Type", "application/json")
	}
	return out
}

// Inbound builds the header set returned to the client from an upstream
// response. Content-length and content-encoding are dropped because the body
// may be re-framed or decompressed on the way through.
func Inbound(h http.Header) http.Header {
	out := Filter(h)
	out.Del("Content-Length")
	out.Del("Content-Encoding")
	return out
}

// hostPlaceholder replaces host values in masked headers.
const hostPlaceholder = "****"

// Mask returns a copy of h safe for logs: authorization keeps its scheme and
// the first three characters of the credential, host and proxy-connection
// values are replaced outright. Masking is for recording only, never for
// forwarding.
func Mask(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		masked := make([]string, len(values))
		for i, v := range values {
			switch canonical {
			case "Authorization", "Proxy-Authorization":
				masked[i] = maskCredential(v)
			case "Host", "Proxy-Connection":
				masked[i] = hostPlaceholder
			default:
				masked[i] = v
			}
		}
		out[canonical] = masked
	}
	return out
}

func maskCredential(v string) string {
	scheme, token, ok := strings.Cut(v, " ")
	if !ok {
		return clip(v, 3) + "****"
	}
	return scheme + " " + clip(strings.TrimSpace(token), 3) + "****"
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
