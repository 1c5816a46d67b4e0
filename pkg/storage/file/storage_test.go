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

package file

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-envelope/pkg/storage"
)

var _ storage.Backend = (*FileStorage)(nil)

func newStore(t *testing.T) (*FileStorage, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	return s, dir
}

func TestNew(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)

	dir := filepath.Join(t.TempDir(), "nested", "root")
	s, err := New(dir)
	require.NoError(t, err)
	info, err := os.Stat(s.rootDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPutGet(t *testing.T) {
	s, dir := newStore(t)

	require.NoError(t, s.Put("kek/local", []byte("key-material"), nil))
	got, err := s.Get("kek/local")
	require.NoError(t, err)
	assert.Equal(t, "key-material", string(got))

	path := filepath.Join(dir, "kek", "local")
	info, err := os.Stat(path)
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
	_, err = os.Stat(path + tmpSuffix)
	assert.True(t, os.IsNotExist(err), "temporary file must be renamed away")

	_, err = s.Get("kek/missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPut_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	s, dir := newStore(t)
	require.NoError(t, s.Put("pub", []byte("x"), &storage.Options{Permissions: 0640}))
	info, err := os.Stat(filepath.Join(dir, "pub"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
}

func TestPut_Exclusive(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Put("k", []byte("1"), &storage.Options{Exclusive: true}))
	assert.ErrorIs(t, s.Put("k", []byte("2"), &storage.Options{Exclusive: true}), storage.ErrAlreadyExists)
	require.NoError(t, s.Put("k", []byte("3"), nil))
	got, _ := s.Get("k")
	assert.Equal(t, "3", string(got))
}

func TestInvalidKeys(t *testing.T) {
	s, _ := newStore(t)
	for _, key := range []string{"", "../escape", "a/../../escape", "/etc/passwd", "nul\x00byte", "."} {
		t.Run(key, func(t *testing.T) {
			assert.ErrorIs(t, s.Put(key, []byte("x"), nil), storage.ErrInvalidKey)
			_, err := s.Get(key)
			assert.ErrorIs(t, err, storage.ErrInvalidKey)
			assert.ErrorIs(t, s.Delete(key), storage.ErrInvalidKey)
			_, err = s.Exists(key)
			assert.ErrorIs(t, err, storage.ErrInvalidKey)
		})
	}
	// Inner ".." that stays inside the root is fine.
	require.NoError(t, s.Put("a/../b", []byte("x"), nil))
	ok, err := s.Exists("b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	s, dir := newStore(t)
	require.NoError(t, s.Put("kek/local", []byte("secret"), nil))

	require.NoError(t, s.Delete("kek/local"))
	_, err := os.Stat(filepath.Join(dir, "kek", "local"))
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, s.Delete("kek/local"), storage.ErrNotFound)
}

func TestOverwriteZeroes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("secret"), 0600))
	require.NoError(t, overwrite(path, 6))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 6), data)
}

func TestListAndExists(t *testing.T) {
	s, _ := newStore(t)
	for _, k := range []string{"kek/2", "kek/1", "other"} {
		require.NoError(t, s.Put(k, []byte(k), nil))
	}
	keys, err := s.List("kek/")
	require.NoError(t, err)
	assert.Equal(t, []string{"kek/1", "kek/2"}, keys)

	ok, err := s.Exists("other")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Exists("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClose(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Put("k", []byte("v"), nil))
	require.NoError(t, s.Close())

	_, err := s.Get("k")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, s.Put("k", nil, nil), storage.ErrClosed)
	assert.ErrorIs(t, s.Delete("k"), storage.ErrClosed)
	_, err = s.List("")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.Exists("k")
	assert.ErrorIs(t, err, storage.ErrClosed)
}
