// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command livewire manages Livewire probe files and runs a standalone agent.
//
// Usage:
//
//	livewire validate livewire.yaml
//	livewire locate ./server/handler.go:42
//	livewire deps -c livewire.yaml -p ~/.cache/livewire
//	livewire serve --addr :9464 --snapshots snapshots.jsonl
//
// Example requests against a running agent:
//
//	# Probe states
//	curl http://localhost:9464/v1/livewire/probes | jq
//
//	# Re-read the probe file now
//	curl -X POST http://localhost:9464/v1/livewire/reload
package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes.
const (
	exitSuccess  = 0 // Operation completed successfully
	exitFindings = 1 // Operation completed with findings
	exitError    = 2 // Operation failed
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	err := cmd.Execute()
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, errFindings):
		return exitFindings
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
}
