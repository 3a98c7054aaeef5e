// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package router forwards a request along the failover route of its logical
// model: bounded retries per backend with exponential backoff, classification
// of retryable versus terminal upstream outcomes, and a synthesized 502 once
// every backend is exhausted. Streaming requests hand the live upstream
// response back to the caller as soon as acceptable headers arrive; the
// dispatch layer owns the body forwarding from there.
package router

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/modelmux/modelmux/internal/bodymutator"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/headerfilter"
	"github.com/modelmux/modelmux/internal/internalapi"
	"github.com/modelmux/modelmux/internal/json"
	"github.com/modelmux/modelmux/internal/recorder"
	"github.com/modelmux/modelmux/internal/registry"
)

// Backoff schedule for retryable failures.
const (
	backoffBase = 250 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// retryableStatuses are upstream statuses worth another attempt.
var retryableStatuses = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusConflict:            {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

func retryableStatus(code int) bool {
	_, ok := retryableStatuses[code]
	return ok
}

// ForwardInput describes one request to forward upstream.
type ForwardInput struct {
	// Model is the logical model name the route is built for.
	Model string
	// Path is the upstream endpoint path, such as /v1/chat/completions.
	Path string
	// RawQuery is appended to the upstream URL verbatim when non-empty.
	RawQuery string
	// Body is the request payload before per-backend rewriting.
	Body []byte
	// IsStream selects the streaming forwarder.
	IsStream bool
	// Header is the inbound header set; hop-by-hop and credential headers are
	// replaced on the way out.
	Header http.Header
	// Recorder receives the route, per-attempt outcomes and router errors.
	Recorder *recorder.Recorder
}

// Reply is the terminal result of Forward. Either Body or Stream is set:
// non-streaming replies carry the full body, streaming replies carry the live
// upstream response whose Body the caller must close.
type Reply struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     *http.Response
	// Backend names the upstream that produced this reply. Empty for
	// synthesized replies no backend answered.
	Backend string
}

// Router drives the retry and failover loop over registry routes.
type Router struct {
	registry *registry.Registry
	mutator  *bodymutator.BodyMutator
	client   *http.Client
	logger   *slog.Logger

	numRetries atomic.Int32

	// sleep performs the backoff wait; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a router forwarding through reg's backends. The per-backend
// retry budget arrives via LoadConfig; until then each backend gets one
// attempt. Each router owns its transport so connection state is not shared
// with unrelated clients.
func New(reg *registry.Registry, logger *slog.Logger) *Router {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	l := logger.With(slog.String("component", "router"))
	r := &Router{
		registry: reg,
		mutator:  bodymutator.New(logger),
		// Timeout stays zero: attempts carry their own deadline and streaming
		// bodies may legitimately outlive any fixed budget.
		client: &http.Client{Transport: transport},
		logger: l,
		sleep:  sleepContext,
	}
	r.numRetries.Store(1)
	return r
}

// LoadConfig implements [config.Receiver]; the router only consumes the retry
// budget, so hot reloads adjust it without touching in-flight requests.
func (r *Router) LoadConfig(_ context.Context, cfg *config.Config) error {
	n := cfg.RouterSettings.NumRetries
	if n < 1 {
		n = 1
	}
	r.numRetries.Store(int32(n))
	return nil
}

func (r *Router) retries() int {
	if n := int(r.numRetries.Load()); n > 1 {
		return n
	}
	return 1
}

// CloseIdleConnections releases pooled upstream connections. Called on
// shutdown after in-flight requests have drained.
func (r *Router) CloseIdleConnections() {
	r.client.CloseIdleConnections()
}

// Forward builds the route for in.Model and walks it: each backend gets up to
// the configured number of attempts, retryable failures back off and move on,
// and the first terminal outcome is returned as-is. When every backend fails
// the last captured upstream response is returned, or a synthesized 502 when
// no backend ever produced one. The returned error is non-nil only for
// unroutable models and context cancellation.
func (r *Router) Forward(ctx context.Context, in ForwardInput) (*Reply, error) {
	route, err := r.registry.BuildRoute(in.Model)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(route))
	for i := range route {
		names[i] = route[i].Name
	}
	in.Recorder.RecordRoute(names)

	retries := r.retries()
	var last *Reply
	var lastErr error
	for bi, b := range route {
		for attempt := 1; attempt <= retries; attempt++ {
			in.Recorder.RecordBackendAttempt(b.Name, attempt)
			reply, retryable, err := r.attempt(ctx, b, in)
			if err != nil {
				in.Recorder.RecordBackendResponse(0, err)
				if !retryable {
					return nil, err
				}
				r.logger.Warn("backend attempt failed",
					slog.String("model", in.Model), slog.String("backend", b.Name),
					slog.Int("attempt", attempt), slog.String("error", err.Error()))
				lastErr = err
			} else {
				reply.Backend = b.Name
				in.Recorder.RecordBackendResponse(reply.StatusCode, nil)
				if !retryable {
					return reply, nil
				}
				r.logger.Warn("retryable backend response",
					slog.String("model", in.Model), slog.String("backend", b.Name),
					slog.Int("attempt", attempt), slog.Int("status", reply.StatusCode))
				last = reply
			}
			// The backoff precedes the next attempt; the route's final attempt
			// has none to wait for.
			if bi == len(route)-1 && attempt == retries {
				break
			}
			if err := r.sleep(ctx, backoffDelay(attempt)); err != nil {
				return nil, err
			}
		}
	}

	if last != nil {
		return last, nil
	}
	detail := fmt.Sprintf("all backends failed for model %q", in.Model)
	if lastErr != nil {
		detail = fmt.Sprintf("%s: %s", detail, lastErr)
	}
	in.Recorder.RecordError("router", errors.New(detail))
	body, _ := json.Marshal(map[string]string{"detail": detail})
	header := http.Header{}
	header.Set("Content-Type", internalapi.ContentTypeJSON)
	return &Reply{StatusCode: http.StatusBadGateway, Header: header, Body: body}, nil
}

// attempt performs one upstream call. It reports whether a failure outcome is
// retryable; terminal outcomes come back with retryable=false and no error.
// Context cancellation surfaces as a non-retryable error so the loop stops.
func (r *Router) attempt(ctx context.Context, b registry.Backend, in ForwardInput) (*Reply, bool, error) {
	url := joinURL(b.BaseURL, in.Path, in.RawQuery)
	body := r.mutator.Mutate(in.Body, b)
	if in.IsStream {
		return r.attemptStream(ctx, b, url, body, in.Header)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.Timeout())
	defer cancel()
	resp, err := r.send(callCtx, url, body, in.Header, b.APIKey)
	if err != nil {
		return nil, ctx.Err() == nil, transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	reply := &Reply{
		StatusCode: resp.StatusCode,
		Header:     headerfilter.Inbound(resp.Header),
		Body:       decodeBody(resp.Header, respBody),
	}
	return reply, retryableStatus(resp.StatusCode), nil
}

// attemptStream opens a streamed upstream call. The backend timeout bounds
// the header phase only; an accepted stream may outlive it and is torn down
// through the body's Close or the request context. Retryable and error
// statuses are drained into a non-stream reply so the loop can decide.
func (r *Router) attemptStream(ctx context.Context, b registry.Backend, url string, body []byte, header http.Header) (*Reply, bool, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	headerTimer := time.AfterFunc(b.Timeout(), cancel)

	resp, err := r.send(streamCtx, url, body, header, b.APIKey)
	if err != nil {
		headerTimer.Stop()
		cancel()
		return nil, ctx.Err() == nil, transportError(err)
	}
	headerTimer.Stop()

	if resp.StatusCode >= 400 {
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		if readErr != nil {
			return nil, ctx.Err() == nil, fmt.Errorf("failed to read upstream response: %w", readErr)
		}
		reply := &Reply{
			StatusCode: resp.StatusCode,
			Header:     headerfilter.Inbound(resp.Header),
			Body:       decodeBody(resp.Header, respBody),
		}
		return reply, retryableStatus(resp.StatusCode), nil
	}

	respHeader := headerfilter.Inbound(resp.Header)
	if respHeader.Get("Content-Type") == "" {
		respHeader.Set("Content-Type", internalapi.ContentTypeEventStream)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return &Reply{StatusCode: resp.StatusCode, Header: respHeader, Stream: resp}, false, nil
}

// send issues one POST with filtered headers and the backend's credentials.
func (r *Router) send(ctx context.Context, url string, body []byte, header http.Header, apiKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header = headerfilter.Outbound(header, apiKey)
	// Let the transport negotiate compression itself so upstream gzip is
	// transparently decoded before pass-through and recording.
	req.Header.Del("Accept-Encoding")
	return r.client.Do(req)
}

func transportError(err error) error {
	return fmt.Errorf("upstream request failed: %w", err)
}

// backoffDelay returns the wait after the given attempt (1-indexed).
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for range attempt - 1 {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// joinURL composes the upstream URL, collapsing the /v1 segment when both the
// base and the path carry it, and appends the query string.
func joinURL(base, path, rawQuery string) string {
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/v1") && (path == "/v1" || strings.HasPrefix(path, "/v1/")) {
		path = strings.TrimPrefix(path, "/v1")
	}
	u := base + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// decodeBody gunzips a drained body when the upstream forced gzip without
// negotiation, so recorded and forwarded bodies are always plain. Undecodable
// bodies pass through untouched.
func decodeBody(h http.Header, body []byte) []byte {
	if !strings.EqualFold(h.Get("Content-Encoding"), "gzip") {
		return body
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return body
	}
	defer func() { _ = zr.Close() }()
	decoded, err := io.ReadAll(zr)
	if err != nil {
		return body
	}
	return decoded
}

// cancelOnClose releases the attempt context once the streamed body is done.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
