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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/AleutianAI/livewire/services/livewire/storage/badger"
	"github.com/AleutianAI/livewire/services/livewire/storage/sqlite"
)

// Store persists the set of satisfied requirements.
//
// Load returns the set sorted; a store that was never saved loads empty.
type Store interface {
	Load(ctx context.Context) ([]string, error)
	Save(ctx context.Context, satisfied []string) error
	Close() error
}

// Backend names accepted by OpenStore.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// OpenStore opens the metadata store of the named backend under prefix.
func OpenStore(ctx context.Context, backend, prefix string) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(filepath.Join(prefix, "metadata.json")), nil
	case BackendBadger:
		db, err := badger.Open(badger.DefaultConfig(filepath.Join(prefix, "metadata.badger")))
		if err != nil {
			return nil, err
		}
		return NewBadgerStore(db), nil
	case BackendSQLite:
		return OpenSQLiteStore(ctx, filepath.Join(prefix, "metadata.db"))
	}
	return nil, fmt.Errorf("unknown metadata backend %q", backend)
}

type metadata struct {
	Dependencies []string `json:"dependencies"`
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// FileStore keeps the set in a JSON document.
type FileStore struct {
	path string

	mu     sync.Mutex
	closed bool
}

// NewFileStore returns a store backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the metadata file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var md metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", s.path, err)
	}
	return normalize(md.Dependencies), nil
}

// Save writes the set atomically through a temp file and rename.
func (s *FileStore) Save(_ context.Context, satisfied []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	data, err := json.Marshal(metadata{Dependencies: normalize(satisfied)})
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create metadata directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".metadata-*.json")
	if err != nil {
		return fmt.Errorf("create temp metadata: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace metadata: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

const badgerKey = "livewire/dependencies"

// BadgerStore keeps the set under one key of an embedded BadgerDB. The
// store owns db and closes it.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Load(ctx context.Context) ([]string, error) {
	var md metadata
	err := s.db.GetJSON(ctx, badgerKey, &md)
	if errors.Is(err, badger.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return normalize(md.Dependencies), nil
}

func (s *BadgerStore) Save(ctx context.Context, satisfied []string) error {
	if err := s.db.PutJSON(ctx, badgerKey, metadata{Dependencies: normalize(satisfied)}); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS livewire_dependencies (
	requirement TEXT PRIMARY KEY
)`

// SQLiteStore keeps the set in one table, a row per requirement.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqlite.Open(ctx, path, sqlite.WithSchema(sqliteSchema))
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT requirement FROM livewire_dependencies ORDER BY requirement`)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var req string
		if err := rows.Scan(&req); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Save replaces the table contents in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, satisfied []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM livewire_dependencies`); err != nil {
		return fmt.Errorf("clear metadata: %w", err)
	}
	for _, req := range normalize(satisfied) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO livewire_dependencies (requirement) VALUES (?)`, req); err != nil {
			return fmt.Errorf("insert %s: %w", req, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
