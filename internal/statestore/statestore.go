// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package statestore keeps completed Responses-API responses addressable by
// id so later requests can chain onto them with previous_response_id. Storage
// is two-tiered: a capacity-bounded in-memory LRU in front of an optional
// durable cache. Durable writes run as detached tracked tasks so they never
// block the response path.
package statestore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/modelmux/modelmux/internal/apischema/responses"
	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/internalapi"
	"github.com/modelmux/modelmux/internal/json"
	"github.com/modelmux/modelmux/internal/recorder"
)

const (
	// DefaultCapacity is the memory-tier entry limit.
	DefaultCapacity = 1000
	// DefaultMaxHistoryDepth bounds the previous_response_id walk.
	DefaultMaxHistoryDepth = 100
)

// Entry pairs a stored response with the input that produced it. Both are
// needed to replay a conversation turn.
type Entry struct {
	Response *responses.Response  `json:"response"`
	Input    responses.InputUnion `json:"input"`
}

// Store is the two-tier response state store.
type Store struct {
	lru      *lru.Cache[string, *Entry]
	durable  cache.Cache
	sf       singleflight.Group
	tracker  *recorder.Tracker
	logger   *slog.Logger
	maxDepth int
}

// New builds a store with the given memory capacity and durable tier. A nil
// durable tier disables persistence. Zero capacity means DefaultCapacity.
func New(capacity int, durable cache.Cache, tracker *recorder.Tracker, logger *slog.Logger) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[string, *Entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create state store: %w", err)
	}
	if durable == nil {
		durable = cache.NoOpCache{}
	}
	return &Store{
		lru:      l,
		durable:  durable,
		tracker:  tracker,
		logger:   logger.With(slog.String("component", "statestore")),
		maxDepth: DefaultMaxHistoryDepth,
	}, nil
}

// Put stores a completed response keyed by its id, updating LRU recency, and
// schedules the durable write in the background.
func (s *Store) Put(resp *responses.Response, input responses.InputUnion) {
	if resp == nil || resp.ID == "" {
		return
	}
	entry := &Entry{Response: resp, Input: input}
	s.lru.Add(resp.ID, entry)

	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("failed to encode response state",
			slog.String("response_id", resp.ID), slog.String("error", err.Error()))
		return
	}
	s.tracker.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), internalapi.FlushTimeout)
		defer cancel()
		if err := s.durable.Set(ctx, cache.Key(resp.ID), data, cache.DefaultTTL); err != nil {
			s.logger.Error("failed to persist response state",
				slog.String("response_id", resp.ID), slog.String("error", err.Error()))
		}
	})
}

// Get returns the entry stored under id, reading through to the durable tier
// and repopulating the memory tier on a durable hit. Concurrent misses on the
// same id share a single durable read.
func (s *Store) Get(ctx context.Context, id string) (*Entry, bool) {
	if e, ok := s.lru.Get(id); ok {
		return e, true
	}
	v, err, _ := s.sf.Do(id, func() (any, error) {
		e, err := s.readDurable(ctx, id)
		if err != nil || e == nil {
			return nil, err
		}
		s.lru.Add(id, e)
		return e, nil
	})
	if err != nil {
		return nil, false
	}
	e, ok := v.(*Entry)
	return e, ok
}

// readDurable fetches and decodes one entry from the durable tier. A corrupt
// entry is treated as a miss.
func (s *Store) readDurable(ctx context.Context, id string) (*Entry, error) {
	data, found, err := s.durable.Get(ctx, cache.Key(id))
	if err != nil {
		s.logger.Error("failed to read response state",
			slog.String("response_id", id), slog.String("error", err.Error()))
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Error("corrupt persisted response state",
			slog.String("response_id", id), slog.String("error", err.Error()))
		return nil, nil
	}
	return &e, nil
}

// History reconstructs the conversation that ended at id as a flat input-item
// sequence in chronological order, along with the number of stored turns it
// spans. Each turn contributes its input items followed by its output items.
// A missing link truncates the walk at that point; the items gathered so far
// are still returned.
func (s *Store) History(ctx context.Context, id string) ([]responses.InputItem, int) {
	var turns [][]responses.InputItem
	cur := id
	for depth := 0; cur != ""; depth++ {
		if depth >= s.maxDepth {
			s.logger.Warn("conversation history depth limit reached",
				slog.String("response_id", id), slog.Int("max_depth", s.maxDepth))
			break
		}
		e, ok := s.Get(ctx, cur)
		if !ok {
			s.logger.Warn("conversation chain broken, response not found",
				slog.String("response_id", cur))
			break
		}
		turn := slices.Concat(InputItems(e.Input), InputItemsFromOutput(e.Response.Output))
		turns = append(turns, turn)
		cur = ""
		if e.Response.PreviousResponseID != nil {
			cur = *e.Response.PreviousResponseID
		}
	}

	// The walk ran newest to oldest; flatten the turns back into
	// chronological order.
	var out []responses.InputItem
	for i := len(turns) - 1; i >= 0; i-- {
		out = append(out, turns[i]...)
	}
	return out, len(turns)
}

// Len reports the memory-tier entry count.
func (s *Store) Len() int { return s.lru.Len() }

// InputItems normalizes an input union into items. A plain-text input becomes
// a single user message.
func InputItems(in responses.InputUnion) []responses.InputItem {
	if in.Text != nil {
		return []responses.InputItem{{
			Message: &responses.InputMessage{
				Type:    responses.ItemTypeMessage,
				Role:    "user",
				Content: responses.InputContent{Text: in.Text},
			},
		}}
	}
	return in.Items
}

// InputItemsFromOutput converts a response's output into input items for the
// next turn. Assistant messages keep their output_text parts; function calls
// pass through unchanged.
func InputItemsFromOutput(output []responses.OutputItem) []responses.InputItem {
	var items []responses.InputItem
	for _, out := range output {
		switch {
		case out.Message != nil:
			parts := make([]responses.InputContentPart, 0, len(out.Message.Content))
			for _, p := range out.Message.Content {
				if p.Type != responses.ContentPartTypeOutputText {
					continue
				}
				parts = append(parts, responses.InputContentPart{
					Type: responses.ContentPartTypeOutputText,
					Text: p.Text,
				})
			}
			items = append(items, responses.InputItem{
				Message: &responses.InputMessage{
					Type:    responses.ItemTypeMessage,
					Role:    out.Message.Role,
					Content: responses.InputContent{Parts: parts},
				},
			})
		case out.FunctionCall != nil:
			fc := *out.FunctionCall
			items = append(items, responses.InputItem{FunctionCall: &fc})
		}
	}
	return items
}
