// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the Livewire probe file.
//
// # File Format
//
//	imports:
//	  - capture
//	dependencies:
//	  github.com/acme/tool/cmd/tool: v1.4.0
//	  golang.org/x/tools/cmd/stringer: latest
//	probes:
//	  internal/server/handler.go:42: print req
//	  internal/server/handler.go:57:
//	    statement: snapshot
//	    imports: [capture]
//
// A probe value is either the statement itself or a mapping with a
// statement and probe-specific imports.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// MaxConfigFileSize is the largest probe file Load accepts (1MB).
	MaxConfigFileSize = 1 << 20

	// FileName is the probe file looked up in the working directory.
	FileName = "livewire.yaml"

	// EnvFile overrides the probe file location.
	EnvFile = "LIVEWIRE_FILE"
)

// Config is one immutable configuration snapshot.
type Config struct {
	// Imports are enabled for every probe.
	Imports []string `yaml:"imports" json:"imports" validate:"dive,required,ident"`

	// Dependencies maps a module path to a version or "latest".
	Dependencies map[string]string `yaml:"dependencies" json:"dependencies" validate:"dive,keys,modpath,endkeys,modversion"`

	// Probes maps "file:line" to a probe.
	Probes map[string]ProbeSpec `yaml:"probes" json:"probes" validate:"dive,keys,location,endkeys"`
}

// ProbeSpec is the declared body of one probe.
type ProbeSpec struct {
	Statement string   `yaml:"statement" json:"statement" validate:"required"`
	Imports   []string `yaml:"imports,omitempty" json:"imports,omitempty" validate:"dive,required,ident"`
}

// UnmarshalYAML accepts a bare statement or a mapping.
func (p *ProbeSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Statement = node.Value
		p.Imports = nil
		return nil
	}
	type plain ProbeSpec
	var out plain
	if err := node.Decode(&out); err != nil {
		return err
	}
	*p = ProbeSpec(out)
	return nil
}

// Empty returns a configuration with no probes or dependencies.
func Empty() *Config {
	return &Config{
		Dependencies: map[string]string{},
		Probes:       map[string]ProbeSpec{},
	}
}

// Locations returns the probe keys in sorted order.
func (c *Config) Locations() []string {
	out := make([]string, 0, len(c.Probes))
	for k := range c.Probes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultPath returns $LIVEWIRE_FILE or ./livewire.yaml, or "" when that
// file does not exist.
func DefaultPath() string {
	path := os.Getenv(EnvFile)
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return ""
		}
		path = filepath.Join(wd, FileName)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}

// Load reads, parses, and validates a probe file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if info.Size() > MaxConfigFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrConfigTooLarge, path, info.Size())
	}

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if len(data) > MaxConfigFileSize {
		return nil, fmt.Errorf("%w: %s grew past %d bytes", ErrConfigTooLarge, path, MaxConfigFileSize)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML. An empty document is an empty config.
func Parse(data []byte) (*Config, error) {
	cfg := Empty()
	if strings.TrimSpace(string(data)) != "" {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if cfg.Dependencies == nil {
		cfg.Dependencies = map[string]string{}
	}
	if cfg.Probes == nil {
		cfg.Probes = map[string]ProbeSpec{}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsInvalid reports whether err is a configuration error.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}
