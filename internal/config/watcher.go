// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Receiver accepts configuration updates. This is mostly for decoupling and
// testing purposes.
type Receiver interface {
	// LoadConfig applies a freshly parsed configuration.
	LoadConfig(ctx context.Context, cfg *Config) error
}

type watcher struct {
	lastMod time.Time
	path    string
	rcv     Receiver
	l       *slog.Logger
}

// StartWatcher loads the config at path into rcv, then polls the file's
// modification time every tick and reloads on change until ctx is done.
func StartWatcher(ctx context.Context, path string, rcv Receiver, l *slog.Logger, tick time.Duration) error {
	w := &watcher{path: path, rcv: rcv, l: l}
	if err := w.loadConfig(ctx); err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}
	l.Info("start watching the config file", slog.String("path", path), slog.String("interval", tick.String()))
	go w.watch(ctx, tick)
	return nil
}

func (w *watcher) watch(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.l.Info("stop watching the config file", slog.String("path", w.path))
			return
		case <-ticker.C:
			perTickCtx, cancel := context.WithTimeout(ctx, tick)
			if err := w.loadConfig(perTickCtx); err != nil {
				w.l.Error("failed to update config", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

func (w *watcher) loadConfig(ctx context.Context) error {
	stat, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	if stat.ModTime().Sub(w.lastMod) <= 0 {
		return nil
	}
	w.l.Info("loading a new config", slog.String("path", w.path))
	w.lastMod = stat.ModTime()
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := w.rcv.LoadConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return nil
}
