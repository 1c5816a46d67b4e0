// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-envelope.
//
// go-envelope is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleKEK(id string) *StoredKEK {
	return &StoredKEK{
		ID:               id,
		WrappedKEK:       []byte{1, 2, 3, 4},
		PersistentHandle: 0x81234567,
		WrappedPrivKey:   []byte{5, 6, 7},
		WrappedPubKey:    []byte{8, 9},
	}
}

func openAll(t *testing.T) map[Type]Store {
	t.Helper()
	dir := t.TempDir()
	stores := map[Type]Store{}
	for _, cfg := range []Config{
		{Type: TypeSQLite, Path: filepath.Join(dir, "kek.db")},
		{Type: TypeLevelDB, Path: filepath.Join(dir, "leveldb")},
		{Type: TypeFile, Path: filepath.Join(dir, "files")},
		{Type: TypeMemory},
	} {
		s, err := Open(cfg)
		require.NoError(t, err, cfg.Type)
		t.Cleanup(func() { s.Close() })
		stores[cfg.Type] = s
	}
	return stores
}

func TestStore_InsertGet(t *testing.T) {
	ctx := context.Background()
	for typ, s := range openAll(t) {
		t.Run(string(typ), func(t *testing.T) {
			want := sampleKEK("7350335679722688512")
			require.NoError(t, s.Insert(ctx, want))

			got, err := s.Get(ctx, want.ID)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			err = s.Insert(ctx, sampleKEK(want.ID))
			assert.ErrorIs(t, err, ErrAlreadyExists)

			_, err = s.Get(ctx, "404")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_RejectsIncompleteRows(t *testing.T) {
	ctx := context.Background()
	for typ, s := range openAll(t) {
		t.Run(string(typ), func(t *testing.T) {
			assert.Error(t, s.Insert(ctx, nil))
			assert.Error(t, s.Insert(ctx, &StoredKEK{ID: "1"}))

			k := sampleKEK("2")
			k.PersistentHandle = 0
			assert.Error(t, s.Insert(ctx, k))
		})
	}
}

func TestStore_ConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	for typ, s := range openAll(t) {
		t.Run(string(typ), func(t *testing.T) {
			var wg sync.WaitGroup
			errs := make(chan error, 20)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs <- s.Insert(ctx, sampleKEK(fmt.Sprintf("%d", 1000+i)))
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				assert.NoError(t, err)
			}
			for i := 0; i < 20; i++ {
				_, err := s.Get(ctx, fmt.Sprintf("%d", 1000+i))
				assert.NoError(t, err)
			}
		})
	}
}

func TestStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, cfg := range []Config{
		{Type: TypeSQLite, Path: filepath.Join(dir, "kek.db")},
		{Type: TypeLevelDB, Path: filepath.Join(dir, "leveldb")},
		{Type: TypeFile, Path: filepath.Join(dir, "files")},
	} {
		t.Run(string(cfg.Type), func(t *testing.T) {
			s, err := Open(cfg)
			require.NoError(t, err)
			require.NoError(t, s.Insert(ctx, sampleKEK("42")))
			require.NoError(t, s.Close())

			s, err = Open(cfg)
			require.NoError(t, err)
			defer s.Close()
			got, err := s.Get(ctx, "42")
			require.NoError(t, err)
			assert.Equal(t, uint32(0x81234567), got.PersistentHandle)
		})
	}
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for typ, s := range openAll(t) {
		t.Run(string(typ), func(t *testing.T) {
			assert.Error(t, s.Insert(ctx, sampleKEK("1")))
		})
	}
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	for typ, s := range openAll(t) {
		t.Run(string(typ), func(t *testing.T) {
			require.NoError(t, s.Close())
			_, err := s.Get(ctx, "1")
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestOpen_InvalidConfig(t *testing.T) {
	_, err := Open(Config{Type: "mongo"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	for _, typ := range []Type{TypeSQLite, TypeLevelDB, TypeFile} {
		_, err := Open(Config{Type: typ})
		assert.ErrorIs(t, err, ErrInvalidConfig, typ)
	}
}
