// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the Livewire instruments. Every method is safe on a nil
// receiver.
type Metrics struct {
	ReconcileRounds       metric.Int64Counter
	ReconcileDuration     metric.Float64Histogram
	ProbesInstalled       metric.Int64Counter
	ProbesEjected         metric.Int64Counter
	HookFires             metric.Int64Counter
	HookErrors            metric.Int64Counter
	Snapshots             metric.Int64Counter
	SnapshotObjects       metric.Int64Histogram
	CaptureTruncations    metric.Int64Counter
	DependenciesInstalled metric.Int64Counter
	SinkErrors            metric.Int64Counter
	SinkDropped           metric.Int64Counter
}

// NewMetrics registers every instrument with meter.
//
//	metrics, err := telemetry.NewMetrics(otel.Meter("livewire"))
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.ReconcileRounds, "livewire_reconcile_rounds_total", "Reconciliation rounds by status"},
		{&m.ProbesInstalled, "livewire_probes_installed_total", "Probe hooks installed"},
		{&m.ProbesEjected, "livewire_probes_ejected_total", "Probe hooks ejected"},
		{&m.HookFires, "livewire_hook_fires_total", "Probe hook invocations"},
		{&m.HookErrors, "livewire_hook_errors_total", "Probe statements that failed"},
		{&m.Snapshots, "livewire_snapshots_total", "Snapshots captured"},
		{&m.CaptureTruncations, "livewire_capture_truncations_total", "Truncation markers by reason"},
		{&m.DependenciesInstalled, "livewire_dependencies_installed_total", "Requirements installed"},
		{&m.SinkErrors, "livewire_sink_errors_total", "Snapshot sink failures"},
		{&m.SinkDropped, "livewire_sink_dropped_total", "Snapshots dropped by sinks"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
	}

	m.ReconcileDuration, err = meter.Float64Histogram(
		"livewire_reconcile_duration_seconds",
		metric.WithDescription("Duration of reconciliation rounds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create livewire_reconcile_duration_seconds: %w", err)
	}

	m.SnapshotObjects, err = meter.Int64Histogram(
		"livewire_snapshot_objects",
		metric.WithDescription("Objects recorded per snapshot"),
	)
	if err != nil {
		return nil, fmt.Errorf("create livewire_snapshot_objects: %w", err)
	}

	return m, nil
}

// RecordReconcile records one round with status "ok" or "error".
func (m *Metrics) RecordReconcile(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ReconcileRounds.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.ReconcileDuration.Record(ctx, d.Seconds())
}

// RecordInstall counts an installed hook.
func (m *Metrics) RecordInstall(ctx context.Context) {
	if m == nil {
		return
	}
	m.ProbesInstalled.Add(ctx, 1)
}

// RecordEject counts an ejected hook.
func (m *Metrics) RecordEject(ctx context.Context) {
	if m == nil {
		return
	}
	m.ProbesEjected.Add(ctx, 1)
}

// RecordFire counts a hook invocation and, when err is set, a failure.
func (m *Metrics) RecordFire(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.HookFires.Add(ctx, 1)
	if err != nil {
		m.HookErrors.Add(ctx, 1)
	}
}

// RecordSnapshot records a snapshot's size and its truncation reasons.
func (m *Metrics) RecordSnapshot(ctx context.Context, objects int, reasons map[string]int) {
	if m == nil {
		return
	}
	m.Snapshots.Add(ctx, 1)
	m.SnapshotObjects.Record(ctx, int64(objects))
	for reason, n := range reasons {
		m.CaptureTruncations.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordDependencies counts installed requirements.
func (m *Metrics) RecordDependencies(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DependenciesInstalled.Add(ctx, int64(n))
}

// RecordSinkError counts a failed emit on the named sink.
func (m *Metrics) RecordSinkError(ctx context.Context, sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// RecordSinkDrop counts a snapshot dropped by the named sink.
func (m *Metrics) RecordSinkDrop(ctx context.Context, sink string) {
	if m == nil {
		return
	}
	m.SinkDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}
