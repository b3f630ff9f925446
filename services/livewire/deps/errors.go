// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deps

import "errors"

// Sentinel errors for dependency reconciliation.
var (
	// ErrInstallFailed indicates the installer could not satisfy a delta.
	ErrInstallFailed = errors.New("dependency install failed")

	// ErrInvalidRequirement indicates a malformed module path or version.
	ErrInvalidRequirement = errors.New("invalid requirement")

	// ErrStoreClosed indicates use of a metadata store after Close.
	ErrStoreClosed = errors.New("metadata store closed")
)
