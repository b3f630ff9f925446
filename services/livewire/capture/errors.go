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

import "errors"

// Sentinel errors for execution contexts.
var (
	// ErrNotPointer indicates Bind was given something other than a non-nil pointer.
	ErrNotPointer = errors.New("binding must be a non-nil pointer")

	// ErrNotAssignable indicates a value cannot be stored in a binding's type.
	ErrNotAssignable = errors.New("value not assignable to binding")

	// ErrEmptyName indicates a binding name was empty.
	ErrEmptyName = errors.New("binding name is empty")
)
