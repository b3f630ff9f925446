// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink delivers snapshots out of the process.
//
// Emit runs on the hooked goroutine, so no sink blocks on a slow consumer:
// the JSONL writer appends to a buffered file, the broadcaster enqueues,
// and RateLimited drops rather than waits.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/livewire/services/livewire/capture"
	"github.com/AleutianAI/livewire/services/livewire/telemetry"
)

// Sink receives snapshots.
type Sink interface {
	Emit(ctx context.Context, snap *capture.Snapshot) error
	Close() error
}

// Named is implemented by sinks that report a metrics label.
type Named interface {
	Name() string
}

// NameOf returns the sink's label, or its type name.
func NameOf(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// Option configures sinks that log or record metrics.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the instruments for errors and drops.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// Fanout emits to every sink. Failures are logged and counted, never
// returned, so a broken sink cannot fail the hooked code path.
type Fanout struct {
	sinks []Sink
	opts  options
}

// NewFanout combines sinks.
func NewFanout(sinks []Sink, opts ...Option) *Fanout {
	return &Fanout{sinks: sinks, opts: newOptions(opts)}
}

// Add appends a sink. Not safe concurrently with Emit.
func (f *Fanout) Add(s Sink) {
	f.sinks = append(f.sinks, s)
}

// Len returns the number of sinks.
func (f *Fanout) Len() int {
	return len(f.sinks)
}

func (f *Fanout) Name() string { return "fanout" }

// Emit always returns nil.
func (f *Fanout) Emit(ctx context.Context, snap *capture.Snapshot) error {
	for _, s := range f.sinks {
		if err := s.Emit(ctx, snap); err != nil {
			name := NameOf(s)
			f.opts.metrics.RecordSinkError(ctx, name)
			f.opts.logger.Warn("snapshot sink failed",
				slog.String("sink", name),
				slog.String("snapshot_id", snap.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Close closes every sink and joins the errors.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", NameOf(s), err))
		}
	}
	return errors.Join(errs...)
}
