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
	"fmt"
	"math"
	"reflect"
	"runtime"
	"sync"
)

// ExecutionContext is the live state a probe runs against.
//
// Set must make the write visible to the host code that owns the binding.
type ExecutionContext interface {
	Get(name string) (any, bool)
	Set(name string, value any) error
	Names() []string
	Stack() []Frame
}

// Referencer is implemented by execution contexts that can expose the
// storage behind a binding. Captures use it for stable identity tokens.
type Referencer interface {
	Ref(name string) (reflect.Value, bool)
}

const maxScopeFrames = 64

// Scope is an ExecutionContext over explicitly bound variables.
//
// A binding holds a pointer to the host variable, so Set writes through to
// the host. Lookups search the scope, then its parents.
//
//	var count int
//	scope := capture.NewScope(0).Bind("count", &count)
//	_ = svc.Here(ctx, scope)
type Scope struct {
	parent *Scope
	pcs    []uintptr

	mu    sync.RWMutex
	names []string
	vars  map[string]reflect.Value
}

// NewScope creates a root scope and records the call stack starting at the
// caller of NewScope, skipping skip further frames.
func NewScope(skip int) *Scope {
	return &Scope{
		pcs:  callers(skip + 3),
		vars: make(map[string]reflect.Value),
	}
}

// Nested creates a child scope with its own call stack. Lookups that miss
// in the child continue in s.
func (s *Scope) Nested(skip int) *Scope {
	return &Scope{
		parent: s,
		pcs:    callers(skip + 3),
		vars:   make(map[string]reflect.Value),
	}
}

// Parent returns the enclosing scope, or nil.
func (s *Scope) Parent() *Scope {
	return s.parent
}

// Bind binds name to the variable ptr points to. A non-pointer value is
// copied into fresh storage, so writes are visible only through the scope.
// Bind panics on an empty name or a nil pointer; use BindE to get an error.
func (s *Scope) Bind(name string, ptr any) *Scope {
	if err := s.BindE(name, ptr); err != nil {
		panic(err)
	}
	return s
}

// BindE is Bind with an error return.
func (s *Scope) BindE(name string, ptr any) error {
	if name == "" {
		return ErrEmptyName
	}
	if ptr == nil {
		return fmt.Errorf("%s: %w", name, ErrNotPointer)
	}
	v := reflect.ValueOf(ptr)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return fmt.Errorf("%s: %w", name, ErrNotPointer)
		}
		s.define(name, v.Elem())
		return nil
	}
	storage := reflect.New(v.Type()).Elem()
	storage.Set(v)
	s.define(name, storage)
	return nil
}

func (s *Scope) define(name string, storage reflect.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vars[name]; !ok {
		s.names = append(s.names, name)
	}
	s.vars[name] = storage
}

func (s *Scope) lookup(name string) (reflect.Value, bool) {
	for sc := s; sc != nil; sc = sc.parent {
		sc.mu.RLock()
		v, ok := sc.vars[name]
		sc.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return reflect.Value{}, false
}

// Get returns the current value of a binding.
func (s *Scope) Get(name string) (any, bool) {
	v, ok := s.lookup(name)
	if !ok {
		return nil, false
	}
	return v.Interface(), true
}

// Ref returns the addressable storage of a binding.
func (s *Scope) Ref(name string) (reflect.Value, bool) {
	return s.lookup(name)
}

// Set assigns through a binding. An unbound name is defined in s.
// Values must be assignable to the binding's type or a numeric conversion
// of the same kind family.
func (s *Scope) Set(name string, value any) error {
	if name == "" {
		return ErrEmptyName
	}
	storage, ok := s.lookup(name)
	if !ok {
		if value == nil {
			var nothing any
			s.define(name, reflect.ValueOf(&nothing).Elem())
			return nil
		}
		v := reflect.ValueOf(value)
		fresh := reflect.New(v.Type()).Elem()
		fresh.Set(v)
		s.define(name, fresh)
		return nil
	}

	target := storage.Type()
	if value == nil {
		switch target.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
			storage.Set(reflect.Zero(target))
			return nil
		}
		return fmt.Errorf("%s: nil to %s: %w", name, target, ErrNotAssignable)
	}

	v := reflect.ValueOf(value)
	switch {
	case v.Type().AssignableTo(target):
		storage.Set(v)
	case convertible(v.Type(), target):
		if !fits(v, target) {
			return fmt.Errorf("%s: %v does not fit %s: %w", name, value, target, ErrNotAssignable)
		}
		storage.Set(v.Convert(target))
	default:
		return fmt.Errorf("%s: %s to %s: %w", name, v.Type(), target, ErrNotAssignable)
	}
	return nil
}

// Names returns the names bound directly in s, in binding order.
func (s *Scope) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Stack returns the call stack recorded when the scope was created,
// innermost first.
func (s *Scope) Stack() []Frame {
	if len(s.pcs) == 0 {
		return nil
	}
	frames := runtime.CallersFrames(s.pcs)
	out := make([]Frame, 0, len(s.pcs))
	for {
		f, more := frames.Next()
		out = append(out, Frame{
			FileName:   f.File,
			Function:   f.Function,
			LineNumber: f.Line,
		})
		if !more {
			break
		}
	}
	return out
}

// Caller returns the innermost recorded frame.
func (s *Scope) Caller() (Frame, bool) {
	st := s.Stack()
	if len(st) == 0 {
		return Frame{}, false
	}
	return st[0], true
}

func callers(skip int) []uintptr {
	pcs := make([]uintptr, maxScopeFrames)
	n := runtime.Callers(skip, pcs)
	return pcs[:n]
}

// convertible allows conversions between real numeric kinds, between
// complex kinds, and to named string or bool types. Int to string is rejected.
func convertible(from, to reflect.Type) bool {
	if !from.ConvertibleTo(to) {
		return false
	}
	return family(from.Kind()) != 0 && family(from.Kind()) == family(to.Kind())
}

// fits reports whether v converts to the numeric type to without
// truncation, wrapping, or overflow.
func fits(v reflect.Value, to reflect.Type) bool {
	if family(v.Kind()) != 1 {
		return true
	}
	zero := reflect.Zero(to)
	switch {
	case isInt(v.Kind()):
		n := v.Int()
		switch {
		case isInt(to.Kind()):
			return !zero.OverflowInt(n)
		case isUint(to.Kind()):
			return n >= 0 && !zero.OverflowUint(uint64(n))
		}
		return !zero.OverflowFloat(float64(n))
	case isUint(v.Kind()):
		n := v.Uint()
		switch {
		case isInt(to.Kind()):
			return n <= math.MaxInt64 && !zero.OverflowInt(int64(n))
		case isUint(to.Kind()):
			return !zero.OverflowUint(n)
		}
		return !zero.OverflowFloat(float64(n))
	}

	f := v.Float()
	switch {
	case isInt(to.Kind()):
		return f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 && !zero.OverflowInt(int64(f))
	case isUint(to.Kind()):
		return f == math.Trunc(f) && f >= 0 && f < math.MaxUint64 && !zero.OverflowUint(uint64(f))
	}
	return math.IsNaN(f) || math.IsInf(f, 0) || !zero.OverflowFloat(f)
}

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func family(k reflect.Kind) int {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return 1
	case reflect.Complex64, reflect.Complex128:
		return 2
	case reflect.String:
		return 3
	case reflect.Bool:
		return 4
	}
	return 0
}

var (
	_ ExecutionContext = (*Scope)(nil)
	_ Referencer       = (*Scope)(nil)
)
