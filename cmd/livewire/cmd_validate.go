// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/livewire/pkg/ux"
	"github.com/AleutianAI/livewire/services/livewire"
	"github.com/AleutianAI/livewire/services/livewire/config"
	"github.com/AleutianAI/livewire/services/livewire/locate"
	"github.com/AleutianAI/livewire/services/livewire/probe"
)

func newValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config]",
		Short: "Check a probe file without running it",
		Long: `Parses and validates a probe file, then checks that every location lies
inside a function and every statement uses known imports and actions.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.resolveConfig(args)
			if err != nil {
				return err
			}
			return runValidate(printer(cmd), path)
		},
	}
}

func runValidate(out *ux.Printer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		out.Error(err.Error())
		return errFindings
	}

	root, err := os.Getwd()
	if err != nil {
		return err
	}
	checker := newChecker()

	out.Title("Probes in " + path)
	if len(cfg.Imports) > 0 {
		out.Field("imports", strings.Join(cfg.Imports, ", "))
	}

	units := make(map[string]*locate.File)
	failed := 0
	for _, key := range cfg.Locations() {
		spec := cfg.Probes[key]
		if problem := checkProbe(checker, units, root, cfg, key, spec); problem != "" {
			failed++
			out.Status(ux.IconError, key, problem)
			continue
		}
		out.Status(ux.IconSuccess, key, spec.Statement)
	}

	if len(cfg.Dependencies) > 0 {
		names := make([]string, 0, len(cfg.Dependencies))
		for mod := range cfg.Dependencies {
			names = append(names, mod)
		}
		sort.Strings(names)
		lines := make([]string, len(names))
		for i, mod := range names {
			lines[i] = fmt.Sprintf("%s %s", mod, cfg.Dependencies[mod])
		}
		out.Box("dependencies", lines)
	}

	out.Summary("probes", len(cfg.Probes), "invalid", failed, "dependencies", len(cfg.Dependencies))
	if failed > 0 {
		return errFindings
	}
	return nil
}

// checkProbe returns why a probe would not install or run, or "".
func checkProbe(checker *probe.Interpreter, units map[string]*locate.File, root string, cfg *config.Config, key string, spec config.ProbeSpec) string {
	loc, err := probe.ParseLocation(key, root)
	if err != nil {
		return err.Error()
	}
	unit, ok := units[loc.Path]
	if !ok {
		unit, err = locate.ParseFile(loc.Path)
		if err != nil {
			return err.Error()
		}
		units[loc.Path] = unit
	}
	if !unit.Contains(loc.Line) {
		return "line is not inside a function body"
	}

	imports := append(append([]string{}, cfg.Imports...), spec.Imports...)
	p := probe.NewProbe(loc, spec.Statement, imports)
	if err := checker.Check(p.Source()); err != nil {
		return err.Error()
	}
	return ""
}

// newChecker returns an interpreter that knows the service's action
// packages. Its actions never run.
func newChecker() *probe.Interpreter {
	in := probe.NewInterpreter()
	in.RegisterPackage(livewire.CapturePackage, map[string]probe.Action{
		"snapshot": func(context.Context, *probe.Invocation, []probe.Arg) error { return nil },
	})
	return in
}
