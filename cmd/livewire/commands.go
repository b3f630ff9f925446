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
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/livewire/pkg/logging"
	"github.com/AleutianAI/livewire/pkg/ux"
	"github.com/AleutianAI/livewire/services/livewire"
	"github.com/AleutianAI/livewire/services/livewire/config"
	"github.com/AleutianAI/livewire/services/livewire/deps"
)

const (
	// EnvVerbose enables debug logging when set to a true value.
	EnvVerbose = "LIVEWIRE_VERBOSE"

	// EnvLogDir sets the default --log-dir.
	EnvLogDir = "LIVEWIRE_LOG_DIR"
)

// errFindings marks a command that ran but found problems.
var errFindings = errors.New("findings reported")

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	prefix     string
	verbose    bool
	metadata   string
	logDir     string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "livewire",
		Short: "Live probes and bounded snapshots for running Go programs",
		Long: `Livewire installs probes at file:line locations of a running program,
reconciles them against a probe file, and streams bounded state snapshots.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, _ := strconv.ParseBool(os.Getenv(EnvVerbose))
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", os.Getenv(config.EnvFile), "probe file (default ./"+config.FileName+")")
	flags.StringVarP(&opts.prefix, "prefix", "p", os.Getenv(livewire.EnvPrefix), "dependency installation prefix")
	flags.BoolVarP(&opts.verbose, "verbose", "v", verbose, "enable debug logging")
	flags.StringVar(&opts.metadata, "metadata", deps.BackendFile, "dependency metadata backend: file, badger or sqlite")
	flags.StringVar(&opts.logDir, "log-dir", os.Getenv(EnvLogDir), "also write JSON logs to a daily file in this directory")

	root.AddCommand(
		newServeCmd(opts),
		newValidateCmd(opts),
		newLocateCmd(opts),
		newDepsCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the Livewire version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "livewire %s\n", livewire.ServiceVersion)
		},
	}
}

// newLogger builds the process logger. It writes to the command's error
// stream so stdout stays clean for results, and to --log-dir when set.
func (o *globalOptions) newLogger(cmd *cobra.Command) *logging.Logger {
	level := logging.LevelInfo
	if o.verbose {
		level = logging.LevelDebug
	}
	return logging.New(logging.Config{
		Level:   level,
		Service: "livewire",
		LogDir:  o.logDir,
		Output:  cmd.ErrOrStderr(),
	})
}

// resolveConfig picks the probe file: an argument, then --config, then
// the default lookup.
func (o *globalOptions) resolveConfig(args []string) (string, error) {
	switch {
	case len(args) > 0:
		return args[0], nil
	case o.configPath != "":
		return o.configPath, nil
	}
	if path := config.DefaultPath(); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("no probe file: pass a path, use --config or create ./%s", config.FileName)
}

func (o *globalOptions) resolvePrefix() string {
	if o.prefix != "" {
		return o.prefix
	}
	return livewire.DefaultPrefix()
}

func printer(cmd *cobra.Command) *ux.Printer {
	return ux.NewPrinter(cmd.OutOrStdout())
}
