// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package probe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/livewire/services/livewire/capture"
	"github.com/AleutianAI/livewire/services/livewire/config"
)

const root = "/src"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func probes(kv ...string) *config.Config {
	cfg := config.Empty()
	for i := 0; i+1 < len(kv); i += 2 {
		cfg.Probes[kv[i]] = config.ProbeSpec{Statement: kv[i+1]}
	}
	return cfg
}

func newTestRegistry(t *testing.T, hooks *fakeHooks, eval Evaluator) *Registry {
	t.Helper()
	if eval == nil {
		eval = EvaluatorFunc(func(context.Context, *Invocation) error { return nil })
	}
	return NewRegistry(hooks, hooks, eval, WithLogger(quietLogger()), WithRoot(root))
}

func TestReconcile_Idempotent(t *testing.T) {
	hooks := newFakeHooks()
	hooks.addUnit("/src/a.go", true, 10, 11)
	reg := newTestRegistry(t, hooks, nil)
	ctx := context.Background()
	cfg := probes("a.go:10", "print x")

	require.NoError(t, reg.Reconcile(ctx, cfg))
	require.NoError(t, reg.Reconcile(ctx, cfg))
	require.NoError(t, reg.Reconcile(ctx, probes("a.go:10", "print x")))

	installs, ejects, live := hooks.counts()
	assert.Equal(t, 1, installs)
	assert.Equal(t, 0, ejects)
	assert.Equal(t, 1, live)
	require.Len(t, reg.Active(), 1)
	assert.Equal(t, Location{Path: "/src/a.go", Line: 10}, reg.Active()[0].Location)
}

func TestReconcile_AddThenRemove(t *testing.T) {
	hooks := newFakeHooks()
	hooks.addUnit("/src/a.go", true, 10)
	reg := newTestRegistry(t, hooks, nil)
	ctx := context.Background()

	require.NoError(t, reg.Reconcile(ctx, probes("a.go:10", "print x")))
	require.NoError(t, reg.Reconcile(ctx, config.Empty()))

	installs, ejects, live := hooks.counts()
	assert.Equal(t, 1, installs)
	assert.Equal(t, 1, ejects)
	assert.Equal(t, 0, live)
	assert.Empty(t, reg.Active())
	assert.Empty(t, reg.Desired())
}

func TestReconcile_ChangedStatementReplacesHook(t *testing.T) {
	hooks := newFakeHooks()
	hooks.addUnit("/src/a.go", true, 10)
	reg := newTestRegistry(t, hooks, nil)
	ctx := context.Background()

	require.NoError(t, reg.Reconcile(ctx, probes("a.go:10", "print x")))
	before := reg.Active()[0].ID()
	require.NoError(t, reg.Reconcile(ctx, probes("a.go:10", "print y")))

	installs, ejects, live := hooks.counts()
	assert.Equal(t, 2, installs)
	assert.Equal(t, 1, ejects)
	assert.Equal(t, 1, live)
	assert.NotEqual(t, before, reg.Active()[0].ID())
}

func TestReconcile_DeferredInstall(t *testing.T) {
	hooks := newFakeHooks()
	hooks.addUnit("/src/late.go", false, 5)
	reg := newTestRegistry(t, hooks, nil)

	require.NoError(t, reg.Reconcile(context.Background(), probes("late.go:5", "print 1")))
	assert.Empty(t, reg.Active())
	require.Len(t, reg.Status(), 1)
	assert.Equal(t, StatePending, reg.Status()[0].State)

	hooks.load("/src/late.go")

	require.Len(t, reg.Active(), 1)
	assert.Equal(t, StateActive, reg.Status()[0].State)
	installs, _, _ := hooks.counts()
	assert.Equal(t, 1, installs)
}

func TestReconcile_RemovedBeforeLoad(t *testing.T) {
	hooks := newFakeHooks()
	hooks.addUnit("/src/late.go", false, 5)
	reg := newTestRegistry(t, hooks, nil)
	ctx := context.Background()

	require.NoError(t, reg.Reconcile(ctx, probes("late.go:5", "print 1")))
	assert.Equal(t, 1, hooks.pending("/src/late.go"))
	require.NoError(t, reg.Reconcile(ctx, config.Empty()))
	assert.Equal(t, 0, hooks.pending("/src/late.go"))

	hooks.load("/src/late.go")
	installs, ejects, _ := hooks.counts()
	assert.Equal(t, 0, installs)
	assert.Equal(t, 0, ejects)
}

func TestReconcile_UnresolvableLocations(t *testing.T) {
	hooks := newFakeHooks()
	hooks.addUnit("/src/a.go", true, 10)
	reg := newTestRegistry(t, hooks, nil)

	cfg := probes(
		"missing.go:1", "print 1",
		"a.go:99", "print 2",
		"a.go:10", "print 3",
	)
	require.NoError(t, reg.Reconcile(context.Background(), cfg))

	byLoc := map[string]ProbeStatus{}
	for _, st := range reg.Status() {
		byLoc[st.Location] = st
	}
	require.Len(t, byLoc, 3)
	assert.Equal(t, StateFailed, byLoc["/src/missing.go:1"].State)
	assert.Contains(t, byLoc["/src/missing.go:1"].Error, ErrUnitNotFound.Error())
	assert.Equal(t, StateFailed, byLoc["/src/a.go:99"].State)
	assert.Contains(t, byLoc["/src/a.go:99"].Error, ErrLocationNotFound.Error())
	assert.Equal(t, StateActive, byLoc["/src/a.go:10"].State)
	assert.Len(t, reg.Desired(), 3)

	// A failed probe is not retried by an identical round.
	require.NoError(t, reg.Reconcile(context.Background(), cfg))
	installs, _, _ := hooks.counts()
	assert.Equal(t, 1, installs)
}

func TestReconcile_InvalidConfigLeavesStateUntouched(t *testing.T) {
	hooks := newFakeHooks()
	hooks.addUnit("/src/a.go", true, 10)
	reg := newTestRegistry(t, hooks, nil)
	ctx := context.Background()
	require.NoError(t, reg.Reconcile(ctx, probes("a.go:10", "print x")))

	tests := []struct {
		name string
		cfg  *config.Config
	}{
		{"no line", probes("a.go", "print x")},
		{"zero line", probes("a.go:0", "print x")},
		{"empty statement", probes("a.go:10", "")},
		{"bad import", &config.Config{Imports: []string{"not-ident"}, Probes: map[string]config.ProbeSpec{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Reconcile(ctx, tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)

			installs, ejects, live := hooks.counts()
			assert.Equal(t, 1, installs)
			assert.Equal(t, 0, ejects)
			assert.Equal(t, 1, live)
			assert.Len(t, reg.Active(), 1)
		})
	}
}

func TestFire_ExecutionError(t *testing.T) {
	hooks := newFakeHooks()
	hooks.addUnit("/src/a.go", true, 10)
	boom := errors.New("boom")
	reg := newTestRegistry(t, hooks, EvaluatorFunc(func(context.Context, *Invocation) error {
		return boom
	}))
	require.NoError(t, reg.Reconcile(context.Background(), probes("a.go:10", "fail")))

	loc := Location{Path: "/src/a.go", Line: 10}
	err := hooks.trap(context.Background(), loc, capture.NewScope(0))
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, reg.Active()[0].ID(), execErr.ProbeID)
	assert.Equal(t, loc, execErr.Location)
	assert.ErrorIs(t, err, boom)
}

func TestFire_RunsInterpreterAgainstScope(t *testing.T) {
	hooks := newFakeHooks()
	hooks.addUnit("/src/a.go", true, 10)
	var out bytes.Buffer
	reg := newTestRegistry(t, hooks, NewInterpreter(WithOutput(&out)))
	require.NoError(t, reg.Reconcile(context.Background(), probes("a.go:10", "set n = 41\nprint \"n is\" n")))

	n := 1
	scope := capture.NewScope(0).Bind("n", &n)
	require.NoError(t, hooks.trap(context.Background(), Location{Path: "/src/a.go", Line: 10}, scope))
	assert.Equal(t, 41, n)
	assert.Equal(t, "n is 41\n", out.String())
}

func TestShutdown(t *testing.T) {
	hooks := newFakeHooks()
	hooks.addUnit("/src/a.go", true, 10, 11)
	hooks.addUnit("/src/late.go", false, 1)
	reg := newTestRegistry(t, hooks, nil)
	ctx := context.Background()
	require.NoError(t, reg.Reconcile(ctx, probes("a.go:10", "print 1", "a.go:11", "print 2", "late.go:1", "print 3")))

	reg.Shutdown(ctx)

	installs, ejects, live := hooks.counts()
	assert.Equal(t, 2, installs)
	assert.Equal(t, 2, ejects)
	assert.Equal(t, 0, live)
	assert.Equal(t, 0, hooks.pending("/src/late.go"))
	assert.Empty(t, reg.Status())
	assert.ErrorIs(t, reg.Reconcile(ctx, probes("a.go:10", "print 1")), ErrRegistryClosed)
}

func TestReconcile_RetiredStatementsForgotten(t *testing.T) {
	hooks := newFakeHooks()
	hooks.addUnit("/src/a.go", true, 10)
	in := NewInterpreter(WithOutput(io.Discard))
	reg := newTestRegistry(t, hooks, in)
	ctx := context.Background()
	loc := Location{Path: "/src/a.go", Line: 10}

	require.NoError(t, reg.Reconcile(ctx, probes("a.go:10", "print 1")))
	first := reg.Active()[0].Source()
	require.NoError(t, hooks.trap(ctx, loc, capture.NewScope(0)))

	require.NoError(t, reg.Reconcile(ctx, probes("a.go:10", "print 2")))
	require.NoError(t, hooks.trap(ctx, loc, capture.NewScope(0)))

	_, cached := in.programs.Load(first)
	assert.False(t, cached, "edited statement is dropped from the cache")
	_, cached = in.programs.Load(reg.Active()[0].Source())
	assert.True(t, cached)

	reg.Shutdown(ctx)
	count := 0
	in.programs.Range(func(any, any) bool { count++; return true })
	assert.Zero(t, count)
}
