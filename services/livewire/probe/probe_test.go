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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		spec string
		want Location
	}{
		{"a.go:12", Location{Path: "/src/a.go", Line: 12}},
		{"./pkg/../b.go:3", Location{Path: "/src/b.go", Line: 3}},
		{"/abs/c.go:7", Location{Path: "/abs/c.go", Line: 7}},
		{"dir:with:colons.go:9", Location{Path: "/src/dir:with:colons.go", Line: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := ParseLocation(tt.spec, "/src")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLocation_Invalid(t *testing.T) {
	for _, spec := range []string{"a.go", "a.go:", "a.go:0", "a.go:-1", "a.go:x", ":5", ""} {
		t.Run(spec, func(t *testing.T) {
			_, err := ParseLocation(spec, "/src")
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestProbeID_RoundTrip(t *testing.T) {
	loc := Location{Path: "/src/a.go", Line: 4}
	a := NewProbe(loc, "snapshot", []string{"capture"})
	b := NewProbe(Location{Path: "/src/a.go", Line: 4}, "snapshot", []string{"capture"})
	assert.Equal(t, a.ID(), b.ID())
	assert.Len(t, a.ID(), 32)

	assert.NotEqual(t, a.ID(), NewProbe(loc, "print 1", []string{"capture"}).ID())
	assert.NotEqual(t, a.ID(), NewProbe(Location{Path: "/src/a.go", Line: 5}, "snapshot", []string{"capture"}).ID())
	assert.NotEqual(t, a.ID(), NewProbe(loc, "snapshot", nil).ID())
}

func TestProbeSource_ImportsFirstDeduplicated(t *testing.T) {
	p := NewProbe(Location{Path: "/a.go", Line: 1}, "snapshot", []string{"capture", "extra", "capture", ""})
	assert.Equal(t, "import capture\nimport extra\nsnapshot", p.Source())
	assert.Equal(t, []string{"capture", "extra"}, p.Imports)
}
