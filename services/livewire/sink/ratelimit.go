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
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/livewire/services/livewire/capture"
)

// Limited passes snapshots to a sink within a rate budget. Snapshots over
// budget are dropped and counted.
type Limited struct {
	inner   Sink
	limiter *rate.Limiter
	opts    options
	dropped atomic.Int64
}

// RateLimited wraps s with a token bucket of limit per second and burst.
func RateLimited(s Sink, limit rate.Limit, burst int, opts ...Option) *Limited {
	return &Limited{
		inner:   s,
		limiter: rate.NewLimiter(limit, burst),
		opts:    newOptions(opts),
	}
}

func (l *Limited) Name() string { return NameOf(l.inner) }

// Dropped returns how many snapshots were dropped.
func (l *Limited) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Limited) Emit(ctx context.Context, snap *capture.Snapshot) error {
	if !l.limiter.Allow() {
		l.dropped.Add(1)
		l.opts.metrics.RecordSinkDrop(ctx, l.Name())
		return nil
	}
	return l.inner.Emit(ctx, snap)
}

func (l *Limited) Close() error {
	return l.inner.Close()
}
