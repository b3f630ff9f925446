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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/livewire/pkg/ux"
	"github.com/AleutianAI/livewire/services/livewire/locate"
	"github.com/AleutianAI/livewire/services/livewire/probe"
)

func newLocateCmd(_ *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "locate <file.go:line>",
		Short: "Show the functions a probe location falls in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocate(printer(cmd), args[0])
		},
	}
}

func runLocate(out *ux.Printer, spec string) error {
	root, err := os.Getwd()
	if err != nil {
		return err
	}
	loc, err := probe.ParseLocation(spec, root)
	if err != nil {
		return err
	}
	file, err := locate.ParseFile(loc.Path)
	if err != nil {
		return fmt.Errorf("parse %s: %w", loc.Path, err)
	}
	if file.HasSyntaxErrors() {
		out.Warning(loc.Path + " has syntax errors; spans may be approximate")
	}

	fns := file.FunctionsAt(loc.Line)
	if len(fns) == 0 {
		out.Status(ux.IconError, loc.String(), "not inside a function body, no probe can attach")
		return errFindings
	}
	out.Success(loc.String() + " is hookable")
	for _, fn := range fns {
		out.Status(ux.IconBullet, fn.Name, fmt.Sprintf("%s, lines %d-%d", fn.Kind, fn.StartLine, fn.EndLine))
	}
	return nil
}
