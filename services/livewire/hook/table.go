// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hook is the in-process hook table.
//
// Host code marks instrumentable sites by calling Here. The table resolves
// the caller's file and line, loads the file as a code unit the first time
// execution reaches it, and runs the hooks installed at that line:
//
//	func (s *Server) handle(req *Request) {
//	    scope := capture.NewScope(0).Bind("req", &req)
//	    _ = table.Here(ctx, scope)
//	    ...
//	}
//
// Paths are the ones the Go runtime reports, so binaries built with
// -trimpath see module-relative paths.
package hook

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/AleutianAI/livewire/services/livewire/capture"
	"github.com/AleutianAI/livewire/services/livewire/locate"
	"github.com/AleutianAI/livewire/services/livewire/probe"
)

// Resolver turns a source path into a code unit.
type Resolver func(path string) (probe.Unit, error)

// DefaultResolver parses the file with the tree-sitter locator.
func DefaultResolver(path string) (probe.Unit, error) {
	f, err := locate.ParseFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", probe.ErrUnitNotFound, path)
		}
		return nil, err
	}
	return f, nil
}

// Option configures a Table.
type Option func(*Table)

// WithResolver replaces the unit resolver.
func WithResolver(r Resolver) Option {
	return func(t *Table) {
		if r != nil {
			t.resolve = r
		}
	}
}

// WithLogger sets the table logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) {
		if logger != nil {
			t.logger = logger
		}
	}
}

type hook struct {
	id  uint64
	fn  probe.HookFunc
	arg any
}

// Handle identifies an installed hook.
type Handle struct {
	id  uint64
	loc probe.Location
}

// Location returns where the hook is installed.
func (h *Handle) Location() probe.Location {
	return h.loc
}

// Table implements probe.HookInstaller and probe.UnitLoader.
//
// Hooks run synchronously on the goroutine that reaches them. The table
// never holds its lock while calling a hook or a load callback.
type Table struct {
	resolve Resolver
	logger  *slog.Logger
	stat    func(string) (fs.FileInfo, error)

	mu      sync.RWMutex
	units   map[string]probe.Unit
	broken  map[string]error
	hooks   map[probe.Location][]hook
	waiters map[string]map[uint64]func(probe.Unit)
	nextID  uint64
}

// NewTable creates an empty table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		resolve: DefaultResolver,
		logger:  slog.Default(),
		stat:    os.Stat,
		units:   make(map[string]probe.Unit),
		broken:  make(map[string]error),
		hooks:   make(map[probe.Location][]hook),
		waiters: make(map[string]map[uint64]func(probe.Unit)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Install attaches fn at loc.
func (t *Table) Install(unit probe.Unit, loc probe.Location, fn probe.HookFunc, arg any) (probe.HookHandle, error) {
	if unit == nil || !unit.Contains(loc.Line) {
		return nil, fmt.Errorf("%w: %s", probe.ErrLocationNotFound, loc)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.hooks[loc] = append(t.hooks[loc], hook{id: t.nextID, fn: fn, arg: arg})
	return &Handle{id: t.nextID, loc: loc}, nil
}

// Eject removes a hook. Unknown and already ejected handles are ignored.
func (t *Table) Eject(h probe.HookHandle) {
	handle, ok := h.(*Handle)
	if !ok || handle == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	hs := t.hooks[handle.loc]
	for i := range hs {
		if hs[i].id != handle.id {
			continue
		}
		rest := make([]hook, 0, len(hs)-1)
		rest = append(rest, hs[:i]...)
		rest = append(rest, hs[i+1:]...)
		if len(rest) == 0 {
			delete(t.hooks, handle.loc)
		} else {
			t.hooks[handle.loc] = rest
		}
		return
	}
}

// Lookup returns the unit for path if it is loaded.
func (t *Table) Lookup(path string) (probe.Unit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.units[filepath.Clean(path)]
	return u, ok
}

// OnLoad calls fn once when path loads, immediately if it already has.
func (t *Table) OnLoad(path string, fn func(probe.Unit)) (func(), error) {
	path = filepath.Clean(path)

	t.mu.Lock()
	if u, ok := t.units[path]; ok {
		t.mu.Unlock()
		fn(u)
		return func() {}, nil
	}
	if err, ok := t.broken[path]; ok {
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Unlock()

	if _, err := t.stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", probe.ErrUnitNotFound, path)
		}
		return nil, err
	}

	// The unit may have loaded while the lock was released.
	t.mu.Lock()
	if u, ok := t.units[path]; ok {
		t.mu.Unlock()
		fn(u)
		return func() {}, nil
	}
	if err, ok := t.broken[path]; ok {
		t.mu.Unlock()
		return nil, err
	}
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	if t.waiters[path] == nil {
		t.waiters[path] = make(map[uint64]func(probe.Unit))
	}
	t.waiters[path][id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.waiters[path], id)
		if len(t.waiters[path]) == 0 {
			delete(t.waiters, path)
		}
	}, nil
}

// Load resolves path and marks it loaded, then runs pending OnLoad
// callbacks. Loading a loaded unit returns it unchanged.
func (t *Table) Load(path string) (probe.Unit, error) {
	path = filepath.Clean(path)
	if u, ok := t.Lookup(path); ok {
		return u, nil
	}

	unit, err := t.resolve(path)
	if err != nil {
		t.mu.Lock()
		t.broken[path] = err
		t.mu.Unlock()
		t.logger.Debug("code unit unavailable", slog.String("path", path), slog.String("error", err.Error()))
		return nil, err
	}

	t.mu.Lock()
	if u, ok := t.units[path]; ok {
		t.mu.Unlock()
		return u, nil
	}
	t.units[path] = unit
	delete(t.broken, path)
	pending := t.waiters[path]
	delete(t.waiters, path)
	t.mu.Unlock()

	t.logger.Debug("code unit loaded", slog.String("path", path), slog.Int("waiters", len(pending)))
	for _, fn := range pending {
		fn(unit)
	}
	return unit, nil
}

// Here runs the hooks installed at the caller's line.
func (t *Table) Here(ctx context.Context, ec capture.ExecutionContext) error {
	return t.HereSkip(ctx, 1, ec)
}

// HereSkip is Here for wrappers: skip 0 is the caller of HereSkip, 1 its
// caller, and so on.
func (t *Table) HereSkip(ctx context.Context, skip int, ec capture.ExecutionContext) error {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return nil
	}
	return t.Trap(ctx, file, line, ec)
}

// Trap runs the hooks installed at path:line, loading the unit first when
// needed. Every hook runs; failures are joined.
func (t *Table) Trap(ctx context.Context, path string, line int, ec capture.ExecutionContext) error {
	path = filepath.Clean(path)

	t.mu.RLock()
	_, loaded := t.units[path]
	_, broken := t.broken[path]
	t.mu.RUnlock()
	if !loaded && !broken {
		// Install callbacks run inside Load, so hooks are in place below.
		_, _ = t.Load(path)
	}

	loc := probe.Location{Path: path, Line: line}
	t.mu.RLock()
	hs := t.hooks[loc]
	t.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h.fn(ctx, ec, h.arg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Loaded returns the loaded unit paths.
func (t *Table) Loaded() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.units))
	for p := range t.units {
		out = append(out, p)
	}
	return out
}
