// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/AleutianAI/livewire/services/livewire/capture"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("sink closed")

// JSONLWriter appends one JSON document per snapshot to a file. The file
// is opened on the first Emit.
type JSONLWriter struct {
	path string

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	closed bool
}

// NewJSONLWriter returns a writer for path.
func NewJSONLWriter(path string) *JSONLWriter {
	return &JSONLWriter{path: path}
}

func (j *JSONLWriter) Name() string { return "jsonl" }

// Path returns the output file.
func (j *JSONLWriter) Path() string { return j.path }

func (j *JSONLWriter) Emit(_ context.Context, snap *capture.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if j.f == nil {
		if err := os.MkdirAll(filepath.Dir(j.path), 0o750); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
		f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("open snapshot file: %w", err)
		}
		j.f = f
		j.w = bufio.NewWriter(f)
	}

	j.w.Write(data)
	j.w.WriteByte('\n')
	return j.w.Flush()
}

func (j *JSONLWriter) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if j.f == nil {
		return nil
	}
	return errors.Join(j.w.Flush(), j.f.Close())
}
