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
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/livewire/pkg/ux"
	"github.com/AleutianAI/livewire/services/livewire/config"
	"github.com/AleutianAI/livewire/services/livewire/deps"
)

func newDepsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deps [config]",
		Short: "Install the dependencies a probe file declares",
		Long: `Runs only the dependency reconciler: requirements already recorded in the
metadata store are skipped, the rest are installed with go install into
<prefix>/bin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.resolveConfig(args)
			if err != nil {
				return err
			}
			logger := opts.newLogger(cmd)
			defer logger.Close()

			prefix := opts.resolvePrefix()
			store, err := deps.OpenStore(cmd.Context(), opts.metadata, prefix)
			if err != nil {
				return err
			}
			return runDeps(cmd.Context(), printer(cmd), logger.Slog(), path, &deps.GoInstaller{Prefix: prefix}, store)
		},
	}
}

// runDeps owns store and closes it.
func runDeps(ctx context.Context, out *ux.Printer, logger *slog.Logger, path string, installer deps.Installer, store deps.Store) (err error) {
	cfg, err := config.Load(path)
	if err != nil {
		store.Close()
		return err
	}
	r, err := deps.NewReconciler(ctx, installer, store, deps.WithLogger(logger))
	if err != nil {
		store.Close()
		return err
	}
	defer func() { err = errors.Join(err, r.Close()) }()

	if err := r.Install(ctx, cfg.Dependencies); err != nil {
		out.Error(err.Error())
		return errFindings
	}
	satisfied := r.Satisfied()
	if len(satisfied) == 0 {
		out.Success("no dependencies")
		return nil
	}
	out.Box("satisfied", satisfied)
	return nil
}
