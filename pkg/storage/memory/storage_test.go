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

package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-envelope/pkg/storage"
)

var _ storage.Backend = (*Storage)(nil)

func TestPutGet(t *testing.T) {
	s := New()
	tests := []struct {
		name  string
		key   string
		value []byte
	}{
		{"simple", "kek/1", []byte("wrapped")},
		{"empty value", "kek/empty", []byte{}},
		{"binary", "kek/bin", []byte{0x00, 0xff, 0x10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.Put(tt.key, tt.value, nil))
			got, err := s.Get(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}

	assert.ErrorIs(t, s.Put("", []byte("x"), nil), storage.ErrInvalidKey)
	_, err := s.Get("missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCopiesAreIndependent(t *testing.T) {
	s := New()
	in := []byte("abc")
	require.NoError(t, s.Put("k", in, nil))
	in[0] = 'X'

	out, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))

	out[0] = 'Y'
	again, _ := s.Get("k")
	assert.Equal(t, "abc", string(again))
}

func TestExclusivePut(t *testing.T) {
	s := New()
	require.NoError(t, s.Put("k", []byte("1"), &storage.Options{Exclusive: true}))
	assert.ErrorIs(t, s.Put("k", []byte("2"), &storage.Options{Exclusive: true}), storage.ErrAlreadyExists)
	require.NoError(t, s.Put("k", []byte("3"), storage.DefaultOptions()))

	got, _ := s.Get("k")
	assert.Equal(t, "3", string(got))
}

func TestDeleteZeroes(t *testing.T) {
	s := New()
	require.NoError(t, s.Put("k", []byte("secret"), nil))
	internal := s.data["k"]

	require.NoError(t, s.Delete("k"))
	assert.Equal(t, make([]byte, 6), internal)
	assert.ErrorIs(t, s.Delete("k"), storage.ErrNotFound)

	ok, err := s.Exists("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestList(t *testing.T) {
	s := New()
	for _, k := range []string{"kek/2", "kek/1", "other/1"} {
		require.NoError(t, s.Put(k, []byte(k), nil))
	}
	keys, err := s.List("kek/")
	require.NoError(t, err)
	assert.Equal(t, []string{"kek/1", "kek/2"}, keys)

	all, err := s.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestClose(t *testing.T) {
	s := New()
	require.NoError(t, s.Put("k", []byte("v"), nil))
	internal := s.data["k"]

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, []byte{0}, internal)

	_, err := s.Get("k")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, s.Put("k", nil, nil), storage.ErrClosed)
	assert.ErrorIs(t, s.Delete("k"), storage.ErrClosed)
	_, err = s.List("")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.Exists("k")
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("kek/%d", i)
			assert.NoError(t, s.Put(key, []byte(key), nil))
			got, err := s.Get(key)
			assert.NoError(t, err)
			assert.Equal(t, key, string(got))
		}(i)
	}
	wg.Wait()

	keys, err := s.List("kek/")
	require.NoError(t, err)
	assert.Len(t, keys, 32)
}
