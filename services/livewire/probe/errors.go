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
	"errors"
	"fmt"

	"github.com/AleutianAI/livewire/services/livewire/config"
)

// Sentinel errors for probes.
var (
	// ErrInvalidConfig indicates a configuration the registry cannot apply.
	ErrInvalidConfig = config.ErrInvalidConfig

	// ErrUnitNotFound indicates the source file of a location does not exist.
	ErrUnitNotFound = errors.New("code unit not found")

	// ErrLocationNotFound indicates a line that no hook can attach to.
	ErrLocationNotFound = errors.New("location not found in code unit")

	// ErrRegistryClosed indicates use of a registry after Shutdown.
	ErrRegistryClosed = errors.New("registry shut down")

	// ErrUnknownImport indicates an import of an unregistered action package.
	ErrUnknownImport = errors.New("unknown import")

	// ErrUnknownAction indicates a call to an action no import provides.
	ErrUnknownAction = errors.New("unknown action")

	// ErrUndefined indicates a reference to an unbound name.
	ErrUndefined = errors.New("undefined name")

	// ErrSyntax indicates a statement that does not parse.
	ErrSyntax = errors.New("syntax error")

	// ErrProbeFailed is raised by the fail action.
	ErrProbeFailed = errors.New("probe failed")
)

// ExecutionError reports a probe statement that failed at runtime.
type ExecutionError struct {
	ProbeID  string
	Location Location
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("probe %s at %s: %v", e.ProbeID, e.Location, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
