// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/dataplane/pkg/logging"
)

// ReloadHandler receives each successfully reloaded configuration.
type ReloadHandler func(cfg *Config)

// Watcher reloads the config file when it changes and hands the result
// to a handler. A parse or validation failure keeps the previous config
// and logs a warning, so a half-saved edit never takes down a tier.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single goroutine.
type Watcher struct {
	path     string
	handler  ReloadHandler
	logger   *logging.Logger
	debounce time.Duration

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, logger *logging.Logger, handler ReloadHandler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config pushes
	// typically replace the file, which drops a file-level watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}
	return &Watcher{
		path:     path,
		handler:  handler,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		watcher:  fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. It returns immediately.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop ends the watch. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Debounce bursts of writes from a single save.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config: watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config: reload rejected, keeping previous", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config: reloaded", "path", w.path)
	w.handler(cfg)
}
