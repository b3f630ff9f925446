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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("LIVEWIRE_ENV", "staging")

	cfg := DefaultConfig()
	assert.Equal(t, "livewire", cfg.ServiceName)
	assert.Equal(t, "none", cfg.TraceExporter)
	assert.Equal(t, "staging", cfg.Environment)
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	_, err := Init(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_NoExporters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "carrier-pigeon"

	_, err := Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Histogram[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += int64(dp.Count)
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += int64(dp.Count)
				}
			}
		}
	}
	return out
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordReconcile(ctx, time.Millisecond, nil)
	m.RecordReconcile(ctx, time.Millisecond, errors.New("boom"))
	m.RecordInstall(ctx)
	m.RecordEject(ctx)
	m.RecordFire(ctx, nil)
	m.RecordFire(ctx, errors.New("fail"))
	m.RecordSnapshot(ctx, 12, map[string]int{"depth": 2, "fieldCount": 1})
	m.RecordDependencies(ctx, 3)
	m.RecordSinkError(ctx, "jsonl")
	m.RecordSinkDrop(ctx, "broadcast")

	got := collect(t, reader)
	assert.Equal(t, int64(2), got["livewire_reconcile_rounds_total"])
	assert.Equal(t, int64(2), got["livewire_reconcile_duration_seconds"])
	assert.Equal(t, int64(1), got["livewire_probes_installed_total"])
	assert.Equal(t, int64(1), got["livewire_probes_ejected_total"])
	assert.Equal(t, int64(2), got["livewire_hook_fires_total"])
	assert.Equal(t, int64(1), got["livewire_hook_errors_total"])
	assert.Equal(t, int64(1), got["livewire_snapshots_total"])
	assert.Equal(t, int64(3), got["livewire_capture_truncations_total"])
	assert.Equal(t, int64(3), got["livewire_dependencies_installed_total"])
	assert.Equal(t, int64(1), got["livewire_sink_errors_total"])
	assert.Equal(t, int64(1), got["livewire_sink_dropped_total"])
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordReconcile(ctx, time.Second, nil)
		m.RecordInstall(ctx)
		m.RecordEject(ctx)
		m.RecordFire(ctx, errors.New("x"))
		m.RecordSnapshot(ctx, 1, nil)
		m.RecordDependencies(ctx, 1)
		m.RecordSinkError(ctx, "s")
		m.RecordSinkDrop(ctx, "s")
	})
}

func TestRecordError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	_, span := tp.Tracer("test").Start(context.Background(), "op")

	RecordError(span, errors.New("broken"))
	RecordError(span, nil)
	RecordError(nil, errors.New("ignored"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "broken", ended[0].Status().Description)
}
