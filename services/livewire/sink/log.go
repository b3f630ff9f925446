// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/livewire/services/livewire/capture"
)

// LogSink writes a one-line summary of each snapshot.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink logs at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, level: slog.LevelInfo}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Emit(ctx context.Context, snap *capture.Snapshot) error {
	attrs := []slog.Attr{
		slog.String("snapshot_id", snap.ID),
		slog.String("probe_id", snap.Probe),
		slog.Int("objects", len(snap.Objects)),
		slog.Int("locals", len(snap.Locals)),
		slog.Int("frames", len(snap.Stack)),
		slog.Bool("truncated", snap.Truncated),
	}
	if len(snap.Stack) > 0 {
		top := snap.Stack[0]
		attrs = append(attrs, slog.String("function", top.Function), slog.Int("line", top.LineNumber))
	}
	l.logger.LogAttrs(ctx, l.level, "snapshot captured", attrs...)
	return nil
}

func (l *LogSink) Close() error { return nil }
