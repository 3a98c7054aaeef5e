// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/recorder"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/tracing"
)

// sseTranslator adapts upstream chat SSE bytes into the client dialect's
// events. Both stream adapters in the translator package satisfy it.
type sseTranslator interface {
	Process(data []byte, endOfStream bool) ([]byte, error)
}

// SSE framing literals for the tap's frame scanner.
var (
	frameSeparator = []byte("\n\n")
	dataPrefix     = []byte("data: ")
	doneMessage    = []byte("[DONE]")
)

// relayStream forwards a live upstream stream to the client chunk by chunk,
// translating frames when the call carries an adapter and relaying bytes
// verbatim when it does not. A client disconnect closes the upstream body
// from a context callback so a blocked read wakes up.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, reply *router.Reply, call upstreamCall, rec *recorder.Recorder, rm metrics.RequestMetrics, span tracing.Span) {
	ctx := r.Context()
	upstream := reply.Stream
	defer func() { _ = upstream.Body.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = upstream.Body.Close() })
	defer stop()

	rec.RecordStreamHeaders(reply.Header)

	header := w.Header()
	for name, values := range reply.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(reply.StatusCode)
	flusher, _ := w.(http.Flusher)

	if len(call.initial) > 0 {
		if _, err := w.Write(call.initial); err != nil {
			cancelStream(ctx, rec, rm, span)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	tap := newStreamTap(rec, rm)
	buf := make([]byte, 4096)
	for {
		n, readErr := upstream.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			tap.observe(ctx, chunk)
			out := chunk
			if call.translator != nil {
				translated, err := call.translator.Process(chunk, false)
				if err != nil {
					rec.RecordError("adapter", err)
					rec.Finalize(recorder.OutcomeError)
					rm.RecordRequestCompletion(ctx, false)
					if span != nil {
						span.EndSpanOnError(reply.StatusCode, []byte(err.Error()))
					}
					return
				}
				out = translated
			}
			if len(out) > 0 {
				if _, err := w.Write(out); err != nil {
					cancelStream(ctx, rec, rm, span)
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if readErr != nil {
			switch {
			case errors.Is(readErr, io.EOF):
				s.drainAdapter(w, flusher, call, rec)
				tap.finish(ctx)
				rec.Finalize(recorder.OutcomeSuccess)
				rm.RecordRequestCompletion(ctx, true)
				if span != nil {
					span.EndSpan(reply.StatusCode)
				}
			case ctx.Err() != nil:
				cancelStream(ctx, rec, rm, span)
			default:
				rec.RecordError("stream", readErr)
				s.drainAdapter(w, flusher, call, rec)
				tap.finish(ctx)
				rec.Finalize(recorder.OutcomeError)
				rm.RecordRequestCompletion(ctx, false)
				if span != nil {
					span.EndSpanOnError(reply.StatusCode, []byte(readErr.Error()))
				}
			}
			return
		}
		// Disconnects surface here when the upstream keeps producing.
		select {
		case <-ctx.Done():
			cancelStream(ctx, rec, rm, span)
			return
		default:
		}
	}
}

// drainAdapter flushes the adapter's terminal events after the upstream
// ended, cleanly or not, and runs the stream-done hook. Cancellation paths
// skip it: nothing may be sent after a disconnect.
func (s *Server) drainAdapter(w io.Writer, flusher http.Flusher, call upstreamCall, rec *recorder.Recorder) {
	if call.translator != nil {
		closing, err := call.translator.Process(nil, true)
		switch {
		case err != nil:
			rec.RecordError("adapter", err)
		case len(closing) > 0:
			if _, werr := w.Write(closing); werr == nil && flusher != nil {
				flusher.Flush()
			}
		}
	}
	if call.onStreamDone != nil {
		call.onStreamDone()
	}
}

// cancelStream finalizes the bookkeeping for a client that went away.
func cancelStream(ctx context.Context, rec *recorder.Recorder, rm metrics.RequestMetrics, span tracing.Span) {
	rec.Finalize(recorder.OutcomeCancelled)
	rm.RecordRequestCompletion(ctx, false)
	if span != nil {
		span.EndSpan(statusClientClosedRequest)
	}
}

// streamTap mines upstream chat SSE frames for the recorder and metrics
// without touching the forwarded bytes. It keeps its own partial-frame buffer
// because reads split frames arbitrarily.
type streamTap struct {
	rec         *recorder.Recorder
	rm          metrics.RequestMetrics
	buffer      bytes.Buffer
	sawToolCall bool
}

func newStreamTap(rec *recorder.Recorder, rm metrics.RequestMetrics) *streamTap {
	return &streamTap{rec: rec, rm: rm}
}

// observe consumes one upstream read.
func (t *streamTap) observe(ctx context.Context, data []byte) {
	t.buffer.Write(data)
	for {
		block, remaining, found := bytes.Cut(t.buffer.Bytes(), frameSeparator)
		if !found {
			return
		}
		t.observeBlock(ctx, block)
		t.buffer.Reset()
		t.buffer.Write(remaining)
	}
}

// finish flushes a trailing partial frame once the upstream has ended.
func (t *streamTap) finish(ctx context.Context) {
	if t.buffer.Len() == 0 {
		return
	}
	t.observeBlock(ctx, t.buffer.Bytes())
	t.buffer.Reset()
}

// observeBlock extracts the payload of one SSE event block: the last
// non-empty "data: " line, skipping comments and upstream "event:" framing.
func (t *streamTap) observeBlock(ctx context.Context, block []byte) {
	var data []byte
	for line := range bytes.SplitSeq(block, []byte("\n")) {
		if after, ok := bytes.CutPrefix(line, dataPrefix); ok {
			if d := bytes.TrimSpace(after); len(d) > 0 {
				data = d
			}
		}
	}
	if len(data) == 0 || bytes.Equal(data, doneMessage) {
		return
	}
	t.observeFrame(ctx, data)
}

// observeFrame records one upstream chat chunk: delta text for the log, the
// first tool-call sighting, token latency, usage and finish reason.
func (t *streamTap) observeFrame(ctx context.Context, data []byte) {
	var text string
	if c := gjson.GetBytes(data, "choices.0.delta.content"); c.Type == gjson.String {
		text = c.Str
	}
	t.rec.RecordStreamChunk(text)

	toolDelta := gjson.GetBytes(data, "choices.0.delta.tool_calls")
	hasTool := toolDelta.IsArray() && len(toolDelta.Array()) > 0
	if hasTool && !t.sawToolCall {
		t.sawToolCall = true
		t.rec.RecordToolCall()
	}
	if text != "" || hasTool {
		t.rm.RecordTokenLatency(ctx, 1)
	}

	if usage := gjson.GetBytes(data, "usage"); usage.IsObject() {
		prompt := int(usage.Get("prompt_tokens").Int())
		completion := int(usage.Get("completion_tokens").Int())
		total := int(usage.Get("total_tokens").Int())
		t.rec.RecordUsage(prompt, completion, total)
		t.rm.RecordTokenUsage(ctx, prompt, completion, total)
	}
	if fr := gjson.GetBytes(data, "choices.0.finish_reason"); fr.Type == gjson.String && fr.Str != "" {
		t.rec.RecordStopReason(fr.Str)
	}
}
