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

	"github.com/AleutianAI/livewire/services/livewire/capture"
)

// Unit is a loaded unit of code, one source file.
type Unit interface {
	Path() string
	Contains(line int) bool
}

// HookFunc runs when execution reaches a hooked location. arg is the value
// passed to Install.
type HookFunc func(ctx context.Context, ec capture.ExecutionContext, arg any) error

// HookHandle identifies an installed hook. It is opaque to the registry.
type HookHandle any

// HookInstaller attaches hooks to code locations.
type HookInstaller interface {
	// Install attaches fn at loc inside unit. It fails with
	// ErrLocationNotFound when no hook can attach to the line.
	Install(unit Unit, loc Location, fn HookFunc, arg any) (HookHandle, error)

	// Eject removes a hook. It is safe after the unit went away and for
	// handles already ejected.
	Eject(h HookHandle)
}

// UnitLoader reports loaded units and notifies when new ones load.
type UnitLoader interface {
	Lookup(path string) (Unit, bool)

	// OnLoad calls fn once when path loads. It fails with ErrUnitNotFound
	// when path can never load. cancel drops the registration.
	OnLoad(path string, fn func(Unit)) (cancel func(), err error)
}

// Invocation is one firing of a probe.
type Invocation struct {
	Probe   *Probe
	Context capture.ExecutionContext
}

// Evaluator runs probe statements.
type Evaluator interface {
	Eval(ctx context.Context, inv *Invocation) error
}

// Forgetter is implemented by evaluators that cache per-statement state.
// Forget is called with the source of every retired probe.
type Forgetter interface {
	Forget(source string)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, inv *Invocation) error

// Eval calls f.
func (f EvaluatorFunc) Eval(ctx context.Context, inv *Invocation) error {
	return f(ctx, inv)
}
