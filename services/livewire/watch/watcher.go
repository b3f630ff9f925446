// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch re-applies the probe file whenever it changes on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultDebounce is the quiet period after the last change before a
// reload starts.
const DefaultDebounce = 100 * time.Millisecond

var (
	reloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livewire_config_reloads_total",
		Help: "Configuration reloads triggered by file changes",
	})
	reloadErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livewire_config_reload_errors_total",
		Help: "Configuration reloads that failed; the previous state was kept",
	})
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("watcher already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("watcher stopped")
)

// ApplyFunc re-reads the configuration and applies it.
type ApplyFunc func(ctx context.Context) error

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period. Non-positive values are ignored.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the watcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Watcher calls an ApplyFunc when a file changes.
//
// # Description
//
// The parent directory is watched rather than the file, so editors that
// replace the file by rename keep triggering reloads. Bursts of events are
// debounced. Reloads run one at a time on the watcher goroutine; changes
// seen while a reload runs produce exactly one follow-up reload.
//
// # Thread Safety
//
// Start must be called once. Stop is safe to call any number of times.
type Watcher struct {
	path     string
	base     string
	apply    ApplyFunc
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	fsw      *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a watcher for path.
//
// # Inputs
//
//   - path: The file to watch. Its directory must exist when Start runs.
//   - apply: Called once at Start and after every settled change.
func New(path string, apply ApplyFunc, opts ...Option) *Watcher {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	w := &Watcher{
		path:     abs,
		base:     filepath.Base(abs),
		apply:    apply,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Path returns the watched file.
func (w *Watcher) Path() string {
	return w.path
}

// Start applies the configuration once, then watches for changes.
//
// # Description
//
// The watch is set up first, then the initial apply runs on the calling
// goroutine and its error is returned. Watching continues regardless, so
// fixing a broken file recovers without a restart. The watch stops when ctx
// is done or Stop is called.
//
// # Outputs
//
//   - error: The initial apply error, or a failure to set up the watch.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		close(w.done)
		return fmt.Errorf("create file watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		close(w.done)
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// Changes made during the initial apply queue on fsw and become one
	// follow-up reload.
	applyErr := w.reload(ctx, "initial")

	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		cancel()
		fsw.Close()
		close(w.done)
		return applyErr
	}
	w.fsw = fsw
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(runCtx, fsw)
	w.logger.Debug("watching configuration", slog.String("path", w.path))
	return applyErr
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("configuration watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			_ = w.reload(ctx, "change")
		}
	}
}

func (w *Watcher) reload(ctx context.Context, trigger string) error {
	reloadsTotal.Inc()
	err := w.apply(ctx)
	if err != nil {
		reloadErrorsTotal.Inc()
		w.logger.Error("configuration reload failed, keeping previous state",
			slog.String("path", w.path),
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
		return err
	}
	w.logger.Info("configuration applied",
		slog.String("path", w.path),
		slog.String("trigger", trigger),
	)
	return nil
}

// Stop ends the watch and waits for an in-flight reload to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		started, cancel, fsw := w.started, w.cancel, w.fsw
		w.mu.Unlock()
		if !started {
			return
		}
		if cancel != nil {
			cancel()
		}
		if fsw != nil {
			fsw.Close()
		}
		<-w.done
	})
}
