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
	"context"
	"errors"
	"sync"

	"github.com/AleutianAI/livewire/services/livewire/capture"
)

type fakeUnit struct {
	path  string
	lines map[int]bool
}

func (u *fakeUnit) Path() string           { return u.path }
func (u *fakeUnit) Contains(line int) bool { return u.lines[line] }

type fakeHook struct {
	loc Location
	fn  HookFunc
	arg any
}

// fakeHooks is an in-memory HookInstaller and UnitLoader.
type fakeHooks struct {
	mu       sync.Mutex
	known    map[string]*fakeUnit
	loaded   map[string]bool
	waiters  map[string]map[int]func(Unit)
	hooks    map[int]*fakeHook
	next     int
	installs int
	ejects   int
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{
		known:   make(map[string]*fakeUnit),
		loaded:  make(map[string]bool),
		waiters: make(map[string]map[int]func(Unit)),
		hooks:   make(map[int]*fakeHook),
	}
}

// addUnit declares a loadable unit with hookable lines.
func (f *fakeHooks) addUnit(path string, loaded bool, lines ...int) {
	u := &fakeUnit{path: path, lines: make(map[int]bool)}
	for _, l := range lines {
		u.lines[l] = true
	}
	f.mu.Lock()
	f.known[path] = u
	f.loaded[path] = loaded
	f.mu.Unlock()
}

func (f *fakeHooks) load(path string) {
	f.mu.Lock()
	u := f.known[path]
	f.loaded[path] = true
	fns := f.waiters[path]
	delete(f.waiters, path)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (f *fakeHooks) Lookup(path string) (Unit, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.known[path]; ok && f.loaded[path] {
		return u, true
	}
	return nil, false
}

func (f *fakeHooks) OnLoad(path string, fn func(Unit)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.known[path]; !ok {
		return nil, ErrUnitNotFound
	}
	f.next++
	id := f.next
	if f.waiters[path] == nil {
		f.waiters[path] = make(map[int]func(Unit))
	}
	f.waiters[path][id] = fn
	return func() {
		f.mu.Lock()
		delete(f.waiters[path], id)
		f.mu.Unlock()
	}, nil
}

func (f *fakeHooks) Install(unit Unit, loc Location, fn HookFunc, arg any) (HookHandle, error) {
	if !unit.Contains(loc.Line) {
		return nil, ErrLocationNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.hooks[f.next] = &fakeHook{loc: loc, fn: fn, arg: arg}
	f.installs++
	return f.next, nil
}

func (f *fakeHooks) Eject(h HookHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := h.(int)
	if _, ok := f.hooks[id]; ok {
		delete(f.hooks, id)
		f.ejects++
	}
}

func (f *fakeHooks) counts() (installs, ejects, live int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installs, f.ejects, len(f.hooks)
}

func (f *fakeHooks) pending(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters[path])
}

// trap runs every hook at loc.
func (f *fakeHooks) trap(ctx context.Context, loc Location, ec capture.ExecutionContext) error {
	f.mu.Lock()
	var hs []*fakeHook
	for _, h := range f.hooks {
		if h.loc == loc {
			hs = append(hs, h)
		}
	}
	f.mu.Unlock()

	var errs []error
	for _, h := range hs {
		if err := h.fn(ctx, ec, h.arg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
