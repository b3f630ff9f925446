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
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Installer installs requirements into a prefix.
type Installer interface {
	Install(ctx context.Context, requirements []string) error
}

// InstallerFunc adapts a function to Installer.
type InstallerFunc func(ctx context.Context, requirements []string) error

// Install calls f.
func (f InstallerFunc) Install(ctx context.Context, requirements []string) error {
	return f(ctx, requirements)
}

// GoInstaller runs "go install" with GOBIN set to <Prefix>/bin.
type GoInstaller struct {
	// GoBinary defaults to "go".
	GoBinary string

	// Prefix is the installation root.
	Prefix string

	// Env is appended to the current environment.
	Env []string
}

// BinDir returns the directory binaries are installed to.
func (g *GoInstaller) BinDir() string {
	return filepath.Join(g.Prefix, "bin")
}

// Install runs one go install for all requirements.
func (g *GoInstaller) Install(ctx context.Context, requirements []string) error {
	if len(requirements) == 0 {
		return nil
	}
	bin := g.GoBinary
	if bin == "" {
		bin = "go"
	}
	if err := os.MkdirAll(g.BinDir(), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", g.BinDir(), err)
	}

	args := append([]string{"install"}, requirements...)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), g.Env...)
	cmd.Env = append(cmd.Env, "GOBIN="+g.BinDir())
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", bin, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// PrependPath puts dir first on PATH unless it is already there.
func PrependPath(dir string) error {
	current := os.Getenv("PATH")
	for _, p := range filepath.SplitList(current) {
		if p == dir {
			return nil
		}
	}
	if current == "" {
		return os.Setenv("PATH", dir)
	}
	return os.Setenv("PATH", dir+string(os.PathListSeparator)+current)
}
