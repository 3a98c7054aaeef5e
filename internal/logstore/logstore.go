// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package logstore persists per-request audit rows in SQLite. It is an
// optional sink behind the recorder: when no database is configured the
// recorder only writes its per-request log files.
package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS request_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TEXT NOT NULL,
	model TEXT NOT NULL,
	stream INTEGER NOT NULL DEFAULT 0,
	path TEXT NOT NULL,
	method TEXT NOT NULL,
	query TEXT NOT NULL DEFAULT '',
	headers TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	route TEXT NOT NULL DEFAULT '[]',
	backend_attempts TEXT NOT NULL DEFAULT '[]',
	stream_chunks INTEGER NOT NULL DEFAULT 0,
	errors TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	stop_reason TEXT NOT NULL DEFAULT '',
	full_response TEXT NOT NULL DEFAULT '',
	is_tool_call INTEGER NOT NULL DEFAULT 0,
	conversation_turn INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS error_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_log_id INTEGER REFERENCES request_logs(id),
	created_at TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at);
`

// RequestRow is one completed request. JSON-shaped columns (Headers, Route,
// BackendAttempts) hold pre-encoded JSON text.
type RequestRow struct {
	CreatedAt        time.Time
	Model            string
	Stream           bool
	Path             string
	Method           string
	Query            string
	Headers          string
	Body             string
	Route            string
	BackendAttempts  string
	StreamChunks     int
	Errors           string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Outcome          string
	DurationMS       int64
	StopReason       string
	FullResponse     string
	IsToolCall       bool
	ConversationTurn int
}

// ErrorRow is one recorded error, optionally tied to a request row.
type ErrorRow struct {
	RequestLogID *int64
	CreatedAt    time.Time
	Source       string
	Message      string
}

// Store wraps the SQLite database holding request and error logs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log database: %w", err)
	}
	// modernc's driver serializes per connection; a single connection avoids
	// SQLITE_BUSY between the background flush goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure log database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create log schema: %w", err)
	}
	return &Store{db: db}, nil
}

// InsertRequest writes one request row and returns its id.
func (s *Store) InsertRequest(ctx context.Context, r *RequestRow) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO request_logs (
		created_at, model, stream, path, method, query, headers, body,
		route, backend_attempts, stream_chunks, errors,
		prompt_tokens, completion_tokens, total_tokens,
		outcome, duration_ms, stop_reason, full_response, is_tool_call, conversation_turn
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.Model, r.Stream, r.Path, r.Method, r.Query, r.Headers, r.Body,
		r.Route, r.BackendAttempts, r.StreamChunks, r.Errors,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		r.Outcome, r.DurationMS, r.StopReason, r.FullResponse, r.IsToolCall, r.ConversationTurn,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert request log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read request log id: %w", err)
	}
	return id, nil
}

// InsertError writes one error row. RequestLogID may be nil for errors that
// happen before a request row exists.
func (s *Store) InsertError(ctx context.Context, e *ErrorRow) error {
	var reqID any
	if e.RequestLogID != nil {
		reqID = *e.RequestLogID
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO error_logs (request_log_id, created_at, source, message) VALUES (?, ?, ?, ?)`,
		reqID, e.CreatedAt.UTC().Format(time.RFC3339Nano), e.Source, e.Message,
	); err != nil {
		return fmt.Errorf("failed to insert error log: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
