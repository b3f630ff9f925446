// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deps installs the module requirements a configuration declares.
//
// The Reconciler remembers which requirements were satisfied, in a Store,
// and hands the installer only the ones it has not seen. Nothing is ever
// uninstalled.
package deps

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/livewire/services/livewire/telemetry"
)

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLogger sets the reconciler logger.
func WithLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the instruments the reconciler records to.
func WithMetrics(m *telemetry.Metrics) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// WithPathUpdate sets the hook that makes installed requirements
// reachable. It runs at most once, the first time dependencies are
// declared. A GoInstaller defaults to prepending its bin directory to PATH.
func WithPathUpdate(fn func() error) ReconcilerOption {
	return func(r *Reconciler) {
		r.onPath = fn
	}
}

// Reconciler installs requirement deltas.
//
// Thread Safety: Install calls are serialized.
type Reconciler struct {
	installer Installer
	store     Store
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	onPath    func() error

	mu          sync.Mutex
	satisfied   map[string]bool
	pathUpdated bool
}

// NewReconciler reads the satisfied set from store.
func NewReconciler(ctx context.Context, installer Installer, store Store, opts ...ReconcilerOption) (*Reconciler, error) {
	r := &Reconciler{
		installer: installer,
		store:     store,
		logger:    slog.Default(),
		satisfied: make(map[string]bool),
	}
	if g, ok := installer.(*GoInstaller); ok {
		bin := g.BinDir()
		r.onPath = func() error { return PrependPath(bin) }
	}
	for _, opt := range opts {
		opt(r)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dependency metadata: %w", err)
	}
	for _, req := range loaded {
		r.satisfied[req] = true
	}
	r.logger.Debug("dependency metadata loaded", slog.Int("satisfied", len(loaded)))
	return r, nil
}

// Install satisfies deps, a map of module path to version. Only
// requirements not already satisfied reach the installer. On installer
// failure nothing is recorded and the error wraps ErrInstallFailed.
func (r *Reconciler) Install(ctx context.Context, deps map[string]string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "livewire.deps", "Reconciler.Install")
	defer span.End()
	defer func() { telemetry.RecordError(span, err) }()

	desired, err := Desired(deps)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var delta []string
	for _, req := range desired {
		if !r.satisfied[req] {
			delta = append(delta, req)
		}
	}
	span.SetAttributes(
		attribute.Int("deps.desired", len(desired)),
		attribute.Int("deps.delta", len(delta)),
	)

	if len(delta) > 0 {
		r.logger.Info("installing new dependencies", slog.Any("requirements", delta))
		if err := r.installer.Install(ctx, delta); err != nil {
			return fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}
		for _, req := range delta {
			r.satisfied[req] = true
		}
		if err := r.store.Save(ctx, r.sortedLocked()); err != nil {
			return fmt.Errorf("save dependency metadata: %w", err)
		}
		r.metrics.RecordDependencies(ctx, len(delta))
	}

	if !r.pathUpdated && len(desired) > 0 {
		r.pathUpdated = true
		if r.onPath != nil {
			if err := r.onPath(); err != nil {
				r.logger.Warn("dependency path update failed", slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// Satisfied returns the satisfied requirements, sorted.
func (r *Reconciler) Satisfied() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

func (r *Reconciler) sortedLocked() []string {
	out := make([]string, 0, len(r.satisfied))
	for req := range r.satisfied {
		out = append(out, req)
	}
	sort.Strings(out)
	return out
}

// Close closes the metadata store.
func (r *Reconciler) Close() error {
	return r.store.Close()
}
