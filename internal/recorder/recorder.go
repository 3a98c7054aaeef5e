// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package recorder captures the full lifecycle of one proxied request into an
// append-only buffer, then flushes it in the background to a per-request log
// file and, when configured, a row in the persistent log store. The flush is
// atomic (write to a temp file, then rename) and registered with a
// process-global tracker so shutdown can await all pending flushes.
package recorder

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/internal/headerfilter"
	"github.com/modelmux/modelmux/internal/internalapi"
	"github.com/modelmux/modelmux/internal/json"
	"github.com/modelmux/modelmux/internal/logstore"
	"github.com/modelmux/modelmux/internal/redaction"
)

// Outcome is the terminal state of a recorded request.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// maxModelInFilename bounds the sanitized model segment of a log file name.
const maxModelInFilename = 48

// RowSink receives finished request rows. *logstore.Store satisfies it.
type RowSink interface {
	InsertRequest(ctx context.Context, r *logstore.RequestRow) (int64, error)
	InsertError(ctx context.Context, e *logstore.ErrorRow) error
}

// Tracker is the process-global set of in-flight flush tasks.
type Tracker struct {
	wg sync.WaitGroup
}

// Go runs fn in a tracked goroutine.
func (t *Tracker) Go(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// Wait blocks until all tracked tasks finish or ctx expires.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Factory builds recorders sharing one flush destination and tracker.
type Factory struct {
	// LogDir is the root log directory; request files go under
	// LogDir/requests. Empty disables file flushing.
	LogDir string
	// Sink receives database rows; nil disables row inserts.
	Sink    RowSink
	Tracker *Tracker
	Logger  *slog.Logger

	// Test seams.
	now     func() time.Time
	newUUID func() string
}

// NewFactory returns a factory flushing under logDir with an optional sink.
func NewFactory(logDir string, sink RowSink, tracker *Tracker, logger *slog.Logger) *Factory {
	return &Factory{
		LogDir:  logDir,
		Sink:    sink,
		Tracker: tracker,
		Logger:  logger.With(slog.String("component", "recorder")),
		now:     time.Now,
		newUUID: uuid.NewString,
	}
}

type backendAttempt struct {
	Backend    string `json:"backend"`
	Attempt    int    `json:"attempt"`
	Status     int    `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Recorder accumulates one request. All methods are safe for concurrent use
// and become no-ops after Finalize.
type Recorder struct {
	f *Factory

	mu        sync.Mutex
	finalized bool
	buf       bytes.Buffer

	start       time.Time
	model       string
	stream      bool
	path        string
	method      string
	query       string
	headersJSON string
	body        string

	route       []string
	attempts    []backendAttempt
	attemptFrom time.Time
	errs        []string

	chunkCount int
	text       strings.Builder
	inStream   bool

	promptTokens     int
	completionTokens int
	totalTokens      int
	stopReason       string
	isToolCall       bool
	conversationTurn int
}

// NewRecorder starts a recorder for one request against model.
func (f *Factory) NewRecorder(model string) *Recorder {
	return &Recorder{f: f, start: f.now(), model: model}
}

// RecordRequest captures the inbound request line, masked headers and body.
func (r *Recorder) RecordRequest(method, path, query string, headers http.Header, body []byte, stream bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.method, r.path, r.query, r.stream = method, path, query, stream
	r.body = string(body)
	masked := headerfilter.Mask(headers)
	if hj, err := json.Marshal(masked); err == nil {
		r.headersJSON = string(hj)
	}
	fmt.Fprintf(&r.buf, "=== request %s %s", method, path)
	if query != "" {
		fmt.Fprintf(&r.buf, "?%s", query)
	}
	fmt.Fprintf(&r.buf, " model=%s stream=%t bodyhash=%s\n--- headers\n", r.model, stream, redaction.ComputeContentHash(r.body))
	writeHeaders(&r.buf, masked)
	fmt.Fprintf(&r.buf, "--- body\n%s\n", body)
}

// RecordRoute captures the ordered backend names chosen for this request.
func (r *Recorder) RecordRoute(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.route = append([]string(nil), names...)
	fmt.Fprintf(&r.buf, "=== route %v\n", names)
}

// RecordBackendAttempt marks the start of one attempt against a backend.
func (r *Recorder) RecordBackendAttempt(backend string, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.attempts = append(r.attempts, backendAttempt{Backend: backend, Attempt: attempt})
	r.attemptFrom = r.f.now()
	fmt.Fprintf(&r.buf, "=== attempt %d backend=%s\n", attempt, backend)
}

// RecordBackendResponse closes the current attempt with a status code or a
// transport error.
func (r *Recorder) RecordBackendResponse(status int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized || len(r.attempts) == 0 {
		return
	}
	a := &r.attempts[len(r.attempts)-1]
	a.DurationMS = r.f.now().Sub(r.attemptFrom).Milliseconds()
	if err != nil {
		a.Error = err.Error()
		fmt.Fprintf(&r.buf, "=== backend error after %dms: %s\n", a.DurationMS, err)
		return
	}
	a.Status = status
	fmt.Fprintf(&r.buf, "=== backend response status=%d after %dms\n", status, a.DurationMS)
}

// RecordStreamHeaders captures the upstream streaming response headers.
func (r *Recorder) RecordStreamHeaders(headers http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.buf.WriteString("--- stream headers\n")
	writeHeaders(&r.buf, headerfilter.Mask(headers))
}

// RecordStreamChunk counts a forwarded chunk and accumulates its decoded text
// content, if any.
func (r *Recorder) RecordStreamChunk(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.chunkCount++
	if text == "" {
		return
	}
	if !r.inStream {
		r.inStream = true
		r.buf.WriteString("--- stream\n")
	}
	r.buf.WriteString(text)
	r.text.WriteString(text)
}

// RecordResponseBody captures a non-streaming response body.
func (r *Recorder) RecordResponseBody(body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.text.Write(body)
	fmt.Fprintf(&r.buf, "--- response\n%s\n", body)
}

// RecordError captures an error from the named source.
func (r *Recorder) RecordError(source string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized || err == nil {
		return
	}
	r.errs = append(r.errs, fmt.Sprintf("%s: %s", source, err))
	fmt.Fprintf(&r.buf, "=== error source=%s: %s\n", source, err)
}

// RecordUsage captures token usage reported by the upstream.
func (r *Recorder) RecordUsage(prompt, completion, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.promptTokens, r.completionTokens, r.totalTokens = prompt, completion, total
}

// RecordStopReason captures the upstream finish reason.
func (r *Recorder) RecordStopReason(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.stopReason = reason
}

// RecordToolCall marks that the response contained a tool call.
func (r *Recorder) RecordToolCall() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.isToolCall = true
}

// SetConversationTurn records the turn index within a response chain.
func (r *Recorder) SetConversationTurn(turn int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.conversationTurn = turn
}

// Finalize seals the recorder with outcome and schedules the background
// flush. Only the first call has any effect.
func (r *Recorder) Finalize(outcome Outcome) {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return
	}
	r.finalized = true
	duration := r.f.now().Sub(r.start)
	if r.inStream {
		r.buf.WriteString("\n")
	}
	fmt.Fprintf(&r.buf, "=== finalize outcome=%s chunks=%d duration=%dms\n", outcome, r.chunkCount, duration.Milliseconds())
	row := r.rowLocked(outcome, duration)
	data := append([]byte(nil), r.buf.Bytes()...)
	errs := append([]string(nil), r.errs...)
	r.mu.Unlock()

	r.f.Tracker.Go(func() { r.f.flush(r.model, data, row, errs) })
}

// rowLocked assembles the database row. Caller holds r.mu.
func (r *Recorder) rowLocked(outcome Outcome, duration time.Duration) *logstore.RequestRow {
	routeJSON, _ := json.Marshal(r.route)
	attemptsJSON, _ := json.Marshal(r.attempts)
	return &logstore.RequestRow{
		CreatedAt:        r.start,
		Model:            r.model,
		Stream:           r.stream,
		Path:             r.path,
		Method:           r.method,
		Query:            r.query,
		Headers:          r.headersJSON,
		Body:             r.body,
		Route:            string(routeJSON),
		BackendAttempts:  string(attemptsJSON),
		StreamChunks:     r.chunkCount,
		Errors:           strings.Join(r.errs, "\n"),
		PromptTokens:     r.promptTokens,
		CompletionTokens: r.completionTokens,
		TotalTokens:      r.totalTokens,
		Outcome:          string(outcome),
		DurationMS:       duration.Milliseconds(),
		StopReason:       r.stopReason,
		FullResponse:     r.text.String(),
		IsToolCall:       r.isToolCall,
		ConversationTurn: r.conversationTurn,
	}
}

// flush writes the buffer to its per-request file and inserts the row.
func (f *Factory) flush(model string, data []byte, row *logstore.RequestRow, errs []string) {
	if f.LogDir != "" {
		if err := f.writeFile(model, row.CreatedAt, data); err != nil {
			f.Logger.Error("failed to flush request log file", slog.String("error", err.Error()))
		}
	}
	if f.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), internalapi.FlushTimeout)
	defer cancel()
	id, err := f.Sink.InsertRequest(ctx, row)
	if err != nil {
		f.Logger.Error("failed to insert request log row", slog.String("error", err.Error()))
		return
	}
	for _, msg := range errs {
		source, message, _ := strings.Cut(msg, ": ")
		e := &logstore.ErrorRow{RequestLogID: &id, CreatedAt: row.CreatedAt, Source: source, Message: message}
		if err := f.Sink.InsertError(ctx, e); err != nil {
			f.Logger.Error("failed to insert error log row", slog.String("error", err.Error()))
		}
	}
}

func (f *Factory) writeFile(model string, start time.Time, data []byte) error {
	dir := filepath.Join(f.LogDir, "requests")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".request-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp log file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write log file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close log file: %w", err)
	}
	name := fmt.Sprintf("%s-%s_%s.log", start.UTC().Format("20060102-150405"), shortID(f.newUUID()), sanitizeModel(model))
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename log file: %w", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// sanitizeModel maps a model name onto the filename-safe alphabet
// [A-Za-z0-9_-], collapsing runs of other characters into single
// underscores and truncating the result.
func sanitizeModel(model string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, c := range model {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteRune(c)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	s := strings.Trim(b.String(), "_")
	if s == "" {
		s = "unknown"
	}
	if len(s) > maxModelInFilename {
		s = s[:maxModelInFilename]
	}
	return s
}

func writeHeaders(buf *bytes.Buffer, headers http.Header) {
	for _, k := range sortedKeys(headers) {
		for _, v := range headers[k] {
			fmt.Fprintf(buf, "%s: %s\n", k, v)
		}
	}
}

func sortedKeys(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
