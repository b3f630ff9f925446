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

// Default capture limits.
const (
	DefaultMaxDepth         = 2
	DefaultMaxLength        = 255
	DefaultMaxContainerSize = 100
	DefaultMaxFields        = 20
	DefaultMaxObjects       = 500
)

// Bounds limits the cost of a single capture.
type Bounds struct {
	// MaxDepth is the number of expansion levels below a local variable.
	// Zero expands locals but records their children as depth stubs.
	MaxDepth int `json:"maxDepth" yaml:"max_depth"`

	// MaxLength caps primitive representations, in runes.
	MaxLength int `json:"maxLength" yaml:"max_length"`

	// MaxContainerSize caps recorded elements or entries per container.
	MaxContainerSize int `json:"maxContainerSize" yaml:"max_container_size"`

	// MaxFields caps recorded fields per struct.
	MaxFields int `json:"maxFields" yaml:"max_fields"`

	// MaxObjects caps the number of recorded objects per snapshot. It also
	// caps the number of recorded stack frames.
	MaxObjects int `json:"maxObjects" yaml:"max_objects"`
}

// DefaultBounds returns the default capture limits.
func DefaultBounds() Bounds {
	return Bounds{
		MaxDepth:         DefaultMaxDepth,
		MaxLength:        DefaultMaxLength,
		MaxContainerSize: DefaultMaxContainerSize,
		MaxFields:        DefaultMaxFields,
		MaxObjects:       DefaultMaxObjects,
	}
}

// Normalize replaces unset limits with their defaults. MaxDepth is unset
// when negative; the other limits are unset when not positive.
func (b Bounds) Normalize() Bounds {
	d := DefaultBounds()
	if b.MaxDepth < 0 {
		b.MaxDepth = d.MaxDepth
	}
	if b.MaxLength <= 0 {
		b.MaxLength = d.MaxLength
	}
	if b.MaxContainerSize <= 0 {
		b.MaxContainerSize = d.MaxContainerSize
	}
	if b.MaxFields <= 0 {
		b.MaxFields = d.MaxFields
	}
	if b.MaxObjects <= 0 {
		b.MaxObjects = d.MaxObjects
	}
	return b
}
