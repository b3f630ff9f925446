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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Location addresses one source line.
type Location struct {
	Path string `json:"path"`
	Line int    `json:"line"`
}

// String returns "path:line".
func (l Location) String() string {
	return l.Path + ":" + strconv.Itoa(l.Line)
}

// ParseLocation parses "path:line". The path is everything before the last
// colon. Relative paths are resolved against root, or against the working
// directory when root is empty.
func ParseLocation(spec, root string) (Location, error) {
	idx := strings.LastIndex(spec, ":")
	if idx <= 0 {
		return Location{}, fmt.Errorf("%w: location %q is not path:line", ErrInvalidConfig, spec)
	}
	path, lineText := strings.TrimSpace(spec[:idx]), strings.TrimSpace(spec[idx+1:])
	line, err := strconv.Atoi(lineText)
	if err != nil || line <= 0 {
		return Location{}, fmt.Errorf("%w: location %q has invalid line %q", ErrInvalidConfig, spec, lineText)
	}
	if path == "" {
		return Location{}, fmt.Errorf("%w: location %q has no path", ErrInvalidConfig, spec)
	}

	if !filepath.IsAbs(path) {
		if root != "" {
			path = filepath.Join(root, path)
		} else if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return Location{Path: filepath.Clean(path), Line: line}, nil
}

// Probe is a statement attached to a location. Probes are immutable; two
// probes with the same location and source have the same ID.
type Probe struct {
	Location  Location
	Statement string
	Imports   []string

	source string
	id     string
}

// NewProbe builds a probe. Duplicate imports are dropped, keeping the
// first occurrence.
func NewProbe(loc Location, statement string, imports []string) *Probe {
	seen := make(map[string]bool, len(imports))
	uniq := make([]string, 0, len(imports))
	for _, imp := range imports {
		imp = strings.TrimSpace(imp)
		if imp == "" || seen[imp] {
			continue
		}
		seen[imp] = true
		uniq = append(uniq, imp)
	}

	var b strings.Builder
	for _, imp := range uniq {
		b.WriteString("import ")
		b.WriteString(imp)
		b.WriteByte('\n')
	}
	b.WriteString(statement)

	p := &Probe{
		Location:  loc,
		Statement: statement,
		Imports:   uniq,
		source:    b.String(),
	}
	sum := sha256.Sum256([]byte(loc.String() + "\n" + p.source))
	p.id = hex.EncodeToString(sum[:16])
	return p
}

// ID returns the probe identity.
func (p *Probe) ID() string {
	return p.id
}

// Source returns the statement with its import lines prepended.
func (p *Probe) Source() string {
	return p.source
}

func (p *Probe) String() string {
	return fmt.Sprintf("probe %s at %s", p.id, p.Location)
}
