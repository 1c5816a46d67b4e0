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

// Package securebuf holds secret bytes in page-locked memory that is wiped
// before it is released.
//
// A Buffer cannot be duplicated. Copying a Buffer value and then calling a
// method on the copy panics, the same way strings.Builder does. Callers
// borrow the contents with Bytes or Mutable and must not retain the slice
// past Destroy.
package securebuf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

var (
	// ErrAllocation is returned when locked memory cannot be obtained.
	ErrAllocation = errors.New("securebuf: locked memory allocation failed")

	// ErrDestroyed is returned when a destroyed buffer is read.
	ErrDestroyed = errors.New("securebuf: buffer destroyed")

	// ErrCopied is the panic value raised when a copied Buffer is used.
	ErrCopied = errors.New("securebuf: illegal use of copied Buffer")
)

// Region is a block of memory handed out by an Allocator.
type Region interface {
	// Bytes returns the backing memory of the region.
	Bytes() []byte

	// Release unlocks and frees the region. The caller has already
	// zeroed it.
	Release()
}

// Allocator hands out memory regions for buffers.
type Allocator interface {
	Allocate(size int) (Region, error)
}

// Buffer owns a locked memory region. The zero value is not usable; create
// buffers with New or FromBytes.
type Buffer struct {
	addr *Buffer // self pointer used to detect copies by value

	mu        sync.Mutex
	region    Region
	size      int
	destroyed bool
}

var (
	defaultAllocator Allocator = memguardAllocator{}
	allocatorMu      sync.RWMutex
)

// SetAllocator replaces the allocator used by New and FromBytes and returns
// the previous one. Intended for tests that need to inspect released memory.
func SetAllocator(a Allocator) Allocator {
	allocatorMu.Lock()
	defer allocatorMu.Unlock()
	prev := defaultAllocator
	if a == nil {
		a = memguardAllocator{}
	}
	defaultAllocator = a
	return prev
}

func currentAllocator() Allocator {
	allocatorMu.RLock()
	defer allocatorMu.RUnlock()
	return defaultAllocator
}

// New allocates a zeroed buffer of size bytes.
func New(size int) (*Buffer, error) {
	return NewWithAllocator(currentAllocator(), size)
}

// NewWithAllocator allocates a zeroed buffer of size bytes from a.
func NewWithAllocator(a Allocator, size int) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrAllocation, size)
	}
	b := &Buffer{size: size}
	b.addr = b
	if size == 0 {
		return b, nil
	}
	region, err := a.Allocate(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	if len(region.Bytes()) != size {
		// Partial allocation; give it back before reporting.
		memguard.WipeBytes(region.Bytes())
		region.Release()
		return nil, fmt.Errorf("%w: short region", ErrAllocation)
	}
	b.region = region
	return b, nil
}

// FromBytes copies data into a new buffer and wipes data.
func FromBytes(data []byte) (*Buffer, error) {
	b, err := New(len(data))
	if err != nil {
		memguard.WipeBytes(data)
		return nil, err
	}
	if b.region != nil {
		copy(b.region.Bytes(), data)
	}
	memguard.WipeBytes(data)
	return b, nil
}

func (b *Buffer) copyCheck() {
	if b.addr != b {
		panic(ErrCopied)
	}
}

// Len returns the length of the buffer in bytes.
func (b *Buffer) Len() int {
	b.copyCheck()
	return b.size
}

// Bytes returns a read view of the buffer. The slice aliases locked memory
// and is invalid after Destroy. A destroyed buffer returns nil.
func (b *Buffer) Bytes() []byte {
	b.copyCheck()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed || b.region == nil {
		return nil
	}
	return b.region.Bytes()
}

// Mutable returns a writable view of the buffer.
func (b *Buffer) Mutable() ([]byte, error) {
	b.copyCheck()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, ErrDestroyed
	}
	if b.region == nil {
		return []byte{}, nil
	}
	return b.region.Bytes(), nil
}

// Destroyed reports whether Destroy has run.
func (b *Buffer) Destroyed() bool {
	b.copyCheck()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// Destroy zeroes the buffer and then releases its memory. It is safe to
// call more than once.
func (b *Buffer) Destroy() {
	if b == nil {
		return
	}
	b.copyCheck()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	if b.region == nil {
		return
	}
	memguard.WipeBytes(b.region.Bytes())
	b.region.Release()
	b.region = nil
}

// memguardAllocator hands out guarded, mlocked pages.
type memguardAllocator struct{}

func (memguardAllocator) Allocate(size int) (r Region, err error) {
	// memguard panics when mlock or mmap fail.
	defer func() {
		if p := recover(); p != nil {
			r, err = nil, fmt.Errorf("memguard: %v", p)
		}
	}()
	lb := memguard.NewBuffer(size)
	if !lb.IsAlive() {
		return nil, errors.New("memguard: buffer not alive")
	}
	return lockedRegion{lb}, nil
}

type lockedRegion struct {
	lb *memguard.LockedBuffer
}

func (r lockedRegion) Bytes() []byte { return r.lb.Bytes() }
func (r lockedRegion) Release()      { r.lb.Destroy() }

// Purge wipes every live memguard allocation. Call it on process shutdown.
func Purge() {
	memguard.Purge()
}
