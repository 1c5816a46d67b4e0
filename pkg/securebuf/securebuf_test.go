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

package securebuf

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingAllocator keeps every region it hands out so tests can look at
// the raw memory after Destroy.
type recordingAllocator struct {
	mu      sync.Mutex
	regions []*recordedRegion
	fail    error
	short   bool
}

type recordedRegion struct {
	mem      []byte
	released bool
	// zeroedBeforeRelease is captured at Release time.
	zeroedBeforeRelease bool
}

func (r *recordedRegion) Bytes() []byte { return r.mem }

func (r *recordedRegion) Release() {
	r.zeroedBeforeRelease = allZero(r.mem)
	r.released = true
}

func (a *recordingAllocator) Allocate(size int) (Region, error) {
	if a.fail != nil {
		return nil, a.fail
	}
	n := size
	if a.short {
		n = size - 1
	}
	r := &recordedRegion{mem: make([]byte, n)}
	a.mu.Lock()
	a.regions = append(a.regions, r)
	a.mu.Unlock()
	return r, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func withAllocator(t *testing.T, a Allocator) {
	t.Helper()
	prev := SetAllocator(a)
	t.Cleanup(func() { SetAllocator(prev) })
}

func TestNew_Zeroed(t *testing.T) {
	buf, err := New(32)
	require.NoError(t, err)
	defer buf.Destroy()

	assert.Equal(t, 32, buf.Len())
	assert.True(t, allZero(buf.Bytes()))
}

func TestFromBytes_WipesSource(t *testing.T) {
	src := []byte("correct horse battery staple")
	want := string(src)

	buf, err := FromBytes(src)
	require.NoError(t, err)
	defer buf.Destroy()

	assert.Equal(t, want, string(buf.Bytes()))
	assert.True(t, allZero(src), "source slice must be wiped")
}

func TestDestroy_ZeroesBeforeRelease(t *testing.T) {
	rec := &recordingAllocator{}
	withAllocator(t, rec)

	buf, err := FromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	require.Len(t, rec.regions, 1)

	buf.Destroy()

	region := rec.regions[0]
	assert.True(t, region.released)
	assert.True(t, region.zeroedBeforeRelease, "region must be zeroed before it is released")
	assert.True(t, allZero(region.mem))
	assert.True(t, buf.Destroyed())
	assert.Nil(t, buf.Bytes())
}

func TestDestroy_Idempotent(t *testing.T) {
	rec := &recordingAllocator{}
	withAllocator(t, rec)

	buf, err := New(16)
	require.NoError(t, err)

	buf.Destroy()
	assert.NotPanics(t, buf.Destroy)

	_, err = buf.Mutable()
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestDestroy_Nil(t *testing.T) {
	var buf *Buffer
	assert.NotPanics(t, buf.Destroy)
}

func TestNew_AllocationFailure(t *testing.T) {
	withAllocator(t, &recordingAllocator{fail: errors.New("mlock: resource limit")})

	buf, err := New(32)
	assert.Nil(t, buf)
	assert.ErrorIs(t, err, ErrAllocation)
}

func TestNew_ShortRegionReleased(t *testing.T) {
	rec := &recordingAllocator{short: true}
	withAllocator(t, rec)

	_, err := New(32)
	require.ErrorIs(t, err, ErrAllocation)
	require.Len(t, rec.regions, 1)
	assert.True(t, rec.regions[0].released)
}

func TestFromBytes_AllocationFailureWipesSource(t *testing.T) {
	withAllocator(t, &recordingAllocator{fail: errors.New("no memory")})

	src := []byte("secret")
	_, err := FromBytes(src)
	assert.ErrorIs(t, err, ErrAllocation)
	assert.True(t, allZero(src))
}

func TestNew_Negative(t *testing.T) {
	_, err := New(-1)
	assert.ErrorIs(t, err, ErrAllocation)
}

func TestEmptyBuffer(t *testing.T) {
	buf, err := New(0)
	require.NoError(t, err)

	assert.Equal(t, 0, buf.Len())
	m, err := buf.Mutable()
	require.NoError(t, err)
	assert.Empty(t, m)
	buf.Destroy()
	assert.True(t, buf.Destroyed())
}

func TestMutable_WritesThrough(t *testing.T) {
	buf, err := New(4)
	require.NoError(t, err)
	defer buf.Destroy()

	m, err := buf.Mutable()
	require.NoError(t, err)
	copy(m, "abcd")
	assert.Equal(t, "abcd", string(buf.Bytes()))
}

func TestCopyPanics(t *testing.T) {
	buf, err := New(8)
	require.NoError(t, err)
	defer buf.Destroy()

	dup := *buf //nolint:govet
	assert.PanicsWithValue(t, ErrCopied, func() { _ = dup.Len() })
	assert.PanicsWithValue(t, ErrCopied, func() { _ = dup.Bytes() })
	assert.PanicsWithValue(t, ErrCopied, func() { dup.Destroy() })
}

func TestMemguardAllocator(t *testing.T) {
	r, err := memguardAllocator{}.Allocate(64)
	require.NoError(t, err)
	assert.Len(t, r.Bytes(), 64)
	r.Release()
}
