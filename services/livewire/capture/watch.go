// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capture

import (
	"reflect"
	"sort"
	"weak"
)

// watchRef resolves a watch to its current value. ok is false once the
// watched object has been collected.
type watchRef func() (v reflect.Value, ok bool)

// Watch adds a named engine-wide watch on the object p points to. The
// engine holds only a weak reference: once the object is otherwise
// unreachable the watch disappears on its own.
//
// Watching the same name again replaces the previous watch.
func Watch[T any](e *Engine, name string, p *T) {
	if p == nil {
		return
	}
	wp := weak.Make(p)
	ref := func() (reflect.Value, bool) {
		strong := wp.Value()
		if strong == nil {
			return reflect.Value{}, false
		}
		return reflect.ValueOf(strong), true
	}

	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	e.watches[name] = ref
}

// Unwatch removes a named watch.
func (e *Engine) Unwatch(name string) {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	delete(e.watches, name)
}

// Watches prunes collected watches and returns the live names, sorted.
func (e *Engine) Watches() []string {
	live := e.liveWatches()
	names := make([]string, 0, len(live))
	for _, w := range live {
		names = append(names, w.name)
	}
	return names
}

type namedValue struct {
	name  string
	value reflect.Value
}

// liveWatches resolves every watch, dropping the collected ones. The
// returned values are strong references for the duration of a capture.
func (e *Engine) liveWatches() []namedValue {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	out := make([]namedValue, 0, len(e.watches))
	for name, ref := range e.watches {
		v, ok := ref()
		if !ok {
			delete(e.watches, name)
			continue
		}
		out = append(out, namedValue{name: name, value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
