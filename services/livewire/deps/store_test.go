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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/livewire/services/livewire/storage/badger"
)

func TestStores_RoundTrip(t *testing.T) {
	ctx := context.Background()
	backends := map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			return NewFileStore(filepath.Join(t.TempDir(), "nested", "metadata.json"))
		},
		"badger": func(t *testing.T) Store {
			db, err := badger.Open(badger.InMemoryConfig())
			require.NoError(t, err)
			return NewBadgerStore(db)
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLiteStore(ctx, filepath.Join(t.TempDir(), "metadata.db"))
			require.NoError(t, err)
			return s
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			defer store.Close()

			empty, err := store.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, empty)

			require.NoError(t, store.Save(ctx, []string{"b@latest", "a@v1.0.0", "b@latest"}))
			got, err := store.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a@v1.0.0", "b@latest"}, got)

			require.NoError(t, store.Save(ctx, []string{"c@v2.0.0"}))
			got, err = store.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"c@v2.0.0"}, got)
		})
	}
}

func TestOpenStore_Backends(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{BackendFile, BackendBadger, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			prefix := t.TempDir()
			store, err := OpenStore(ctx, backend, prefix)
			require.NoError(t, err)
			require.NoError(t, store.Save(ctx, []string{"x@latest"}))
			require.NoError(t, store.Close())

			reopened, err := OpenStore(ctx, backend, prefix)
			require.NoError(t, err)
			defer reopened.Close()
			got, err := reopened.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"x@latest"}, got)
		})
	}

	_, err := OpenStore(ctx, "etcd", t.TempDir())
	assert.Error(t, err)
}

func TestFileStore_Format(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	store := NewFileStore(path)
	require.NoError(t, store.Save(context.Background(), []string{"b@latest", "a@latest"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dependencies":["a@latest","b@latest"]}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestFileStore_Closed(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "metadata.json"))
	require.NoError(t, store.Close())
	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Save(context.Background(), nil), ErrStoreClosed)
}

func TestFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}
