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

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"
)

// Latest is the version constraint meaning "whatever is newest".
const Latest = "latest"

// Requirement is one module requirement, rendered as "path@version".
type Requirement struct {
	Path    string
	Version string
}

// String returns "path@version".
func (r Requirement) String() string {
	return r.Path + "@" + r.Version
}

// NewRequirement validates a module path and version constraint.
func NewRequirement(path, version string) (Requirement, error) {
	path = strings.TrimSpace(path)
	if err := module.CheckPath(path); err != nil {
		return Requirement{}, fmt.Errorf("%w: %v", ErrInvalidRequirement, err)
	}
	v, err := CanonicalVersion(version)
	if err != nil {
		return Requirement{}, fmt.Errorf("%w: %s: %v", ErrInvalidRequirement, path, err)
	}
	return Requirement{Path: path, Version: v}, nil
}

// ParseRequirement parses "path@version". A missing version means Latest.
func ParseRequirement(s string) (Requirement, error) {
	path, version, found := strings.Cut(s, "@")
	if !found {
		version = Latest
	}
	return NewRequirement(path, version)
}

// CanonicalVersion normalizes a version constraint. Empty and "latest"
// become Latest; "1.2" becomes "v1.2.0".
func CanonicalVersion(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == Latest {
		return Latest, nil
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("invalid semantic version %q", v)
	}
	return semver.Canonical(v), nil
}

// Desired converts a dependency map to its sorted requirement strings.
func Desired(deps map[string]string) ([]string, error) {
	out := make([]string, 0, len(deps))
	for path, version := range deps {
		req, err := NewRequirement(path, version)
		if err != nil {
			return nil, err
		}
		out = append(out, req.String())
	}
	sort.Strings(out)
	return out, nil
}
