// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces the burst of events editors produce on save.
const DefaultReloadDebounce = 200 * time.Millisecond

// Watcher reloads the config file when it changes on disk.
//
// # Description
//
// The parent directory is watched rather than the file, so atomic
// rename-on-save keeps working. A successful reload invokes onChange with
// the new config; an invalid file is logged and the previous config stays
// in force.
//
// # Thread Safety
//
// Safe for concurrent use. onChange is never invoked concurrently with itself.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(Config)
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	closed  bool
	reloads sync.Mutex
	done    chan struct{}
}

// NewWatcher starts watching path.
//
// # Inputs
//
//   - path: Config file path. Its directory must exist.
//   - onChange: Called with every successfully reloaded config.
//   - logger: Logger for reload failures. Uses slog.Default() if nil.
//
// # Outputs
//
//   - *Watcher: Running watcher. Call Close() to stop it.
//   - error: Non-nil if the directory cannot be watched.
func NewWatcher(path string, onChange func(Config), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	w := &Watcher{
		path:     abs,
		watcher:  fw,
		onChange: onChange,
		debounce: DefaultReloadDebounce,
		logger:   logger.With("component", "config_watcher"),
		done:     make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleWatchEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleWatchEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	if abs, _ := filepath.Abs(event.Name); abs != w.path {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	w.reloads.Lock()
	defer w.reloads.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Config reload rejected, keeping previous config",
			"path", w.path,
			"error", err)
		return
	}
	w.logger.Info("Config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
