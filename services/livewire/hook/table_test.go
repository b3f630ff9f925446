// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hook

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/livewire/services/livewire/capture"
	"github.com/AleutianAI/livewire/services/livewire/probe"
)

const sample = `package sample

func Add(a, b int) int {
	sum := a + b
	return sum
}
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.go")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	return path
}

func recorder(calls *[]any) probe.HookFunc {
	return func(_ context.Context, _ capture.ExecutionContext, arg any) error {
		*calls = append(*calls, arg)
		return nil
	}
}

func TestTable_LoadAndTrap(t *testing.T) {
	path := writeSample(t)
	tbl := NewTable()

	unit, err := tbl.Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, unit.Path())

	var calls []any
	loc := probe.Location{Path: path, Line: 4}
	h1, err := tbl.Install(unit, loc, recorder(&calls), "first")
	require.NoError(t, err)
	_, err = tbl.Install(unit, loc, recorder(&calls), "second")
	require.NoError(t, err)

	require.NoError(t, tbl.Trap(context.Background(), path, 4, nil))
	assert.Equal(t, []any{"first", "second"}, calls)

	tbl.Eject(h1)
	tbl.Eject(h1)
	calls = nil
	require.NoError(t, tbl.Trap(context.Background(), path, 4, nil))
	assert.Equal(t, []any{"second"}, calls)

	calls = nil
	require.NoError(t, tbl.Trap(context.Background(), path, 5, nil))
	assert.Empty(t, calls)
}

func TestTable_InstallOutsideFunction(t *testing.T) {
	path := writeSample(t)
	tbl := NewTable()
	unit, err := tbl.Load(path)
	require.NoError(t, err)

	_, err = tbl.Install(unit, probe.Location{Path: path, Line: 1}, recorder(new([]any)), nil)
	assert.ErrorIs(t, err, probe.ErrLocationNotFound)
}

func TestTable_OnLoad(t *testing.T) {
	path := writeSample(t)
	tbl := NewTable()

	_, ok := tbl.Lookup(path)
	assert.False(t, ok)

	loads := 0
	_, err := tbl.OnLoad(path, func(probe.Unit) { loads++ })
	require.NoError(t, err)
	cancel, err := tbl.OnLoad(path, func(probe.Unit) { loads += 10 })
	require.NoError(t, err)
	cancel()

	// Trap loads lazily.
	require.NoError(t, tbl.Trap(context.Background(), path, 4, nil))
	assert.Equal(t, 1, loads)
	_, err = tbl.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	_, ok = tbl.Lookup(path)
	assert.True(t, ok)

	// Already loaded: the callback runs inline.
	_, err = tbl.OnLoad(path, func(probe.Unit) { loads++ })
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}

func TestTable_OnLoadRacingLoad(t *testing.T) {
	path := writeSample(t)
	tbl := NewTable()
	// Load lands between the file check and the waiter registration.
	tbl.stat = func(name string) (fs.FileInfo, error) {
		_, err := tbl.Load(name)
		require.NoError(t, err)
		return os.Stat(name)
	}

	loads := 0
	_, err := tbl.OnLoad(path, func(probe.Unit) { loads++ })
	require.NoError(t, err)
	assert.Equal(t, 1, loads)
}

func TestTable_UnitNotFound(t *testing.T) {
	tbl := NewTable()
	missing := filepath.Join(t.TempDir(), "missing.go")

	_, err := tbl.OnLoad(missing, func(probe.Unit) {})
	assert.ErrorIs(t, err, probe.ErrUnitNotFound)

	_, err = tbl.Load(missing)
	assert.ErrorIs(t, err, probe.ErrUnitNotFound)
	assert.NoError(t, tbl.Trap(context.Background(), missing, 3, nil))
}

func TestTable_TrapJoinsErrors(t *testing.T) {
	path := writeSample(t)
	tbl := NewTable()
	unit, err := tbl.Load(path)
	require.NoError(t, err)

	e1, e2 := errors.New("one"), errors.New("two")
	ran := 0
	for _, e := range []error{e1, nil, e2} {
		e := e
		_, err := tbl.Install(unit, probe.Location{Path: path, Line: 5}, func(context.Context, capture.ExecutionContext, any) error {
			ran++
			return e
		}, nil)
		require.NoError(t, err)
	}

	err = tbl.Trap(context.Background(), path, 5, nil)
	assert.Equal(t, 3, ran)
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
}

func callHere(ctx context.Context, tbl *Table, ec capture.ExecutionContext) error {
	return tbl.Here(ctx, ec)
}

func TestTable_Here(t *testing.T) {
	pc := reflect.ValueOf(callHere).Pointer()
	file, line := runtime.FuncForPC(pc).FileLine(pc)
	loc := probe.Location{Path: filepath.Clean(file), Line: line + 1}

	tbl := NewTable()
	installed := false
	_, err := tbl.OnLoad(loc.Path, func(u probe.Unit) {
		_, err := tbl.Install(u, loc, func(_ context.Context, ec capture.ExecutionContext, _ any) error {
			return ec.Set("hit", true)
		}, nil)
		installed = err == nil
	})
	require.NoError(t, err)

	hit := false
	scope := capture.NewScope(0).Bind("hit", &hit)
	require.NoError(t, callHere(context.Background(), tbl, scope))
	assert.True(t, installed)
	assert.True(t, hit)
}

func TestTable_CustomResolver(t *testing.T) {
	calls := 0
	tbl := NewTable(WithResolver(func(path string) (probe.Unit, error) {
		calls++
		return stubUnit(path), nil
	}))

	_, err := tbl.Load("/virtual/x.go")
	require.NoError(t, err)
	_, err = tbl.Load("/virtual/x.go")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"/virtual/x.go"}, tbl.Loaded())
}

type stubUnit string

func (s stubUnit) Path() string    { return string(s) }
func (stubUnit) Contains(int) bool { return true }
