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

package kms

import (
	"fmt"
	"math/rand/v2"

	"github.com/jeremyhahn/go-envelope/internal/kms/tpm"
)

// DefaultMaxHandleAttempts bounds random draws when searching for a free
// persistent handle.
const DefaultMaxHandleAttempts = 1024

// HandleLister reports occupied persistent handles.
type HandleLister interface {
	PersistentHandles(first, last uint32) ([]uint32, error)
}

// handleAllocator picks free persistent handles uniformly at random.
type handleAllocator struct {
	first, last uint32
	maxAttempts int

	// uint32n returns a value in [0, n).
	uint32n func(n uint32) uint32
}

func newHandleAllocator(first, last uint32, maxAttempts int) handleAllocator {
	if first == 0 && last == 0 {
		first, last = tpm.PersistentFirst, tpm.PersistentLast
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxHandleAttempts
	}
	return handleAllocator{first: first, last: last, maxAttempts: maxAttempts, uint32n: rand.Uint32N}
}

func (a handleAllocator) validate() error {
	if a.first < tpm.PersistentFirst || a.last > tpm.PersistentLast || a.first > a.last {
		return fmt.Errorf("%w: handle range 0x%08x-0x%08x is outside the owner persistent range",
			ErrInvalidRequest, a.first, a.last)
	}
	return nil
}

func (a handleAllocator) size() uint64 {
	return uint64(a.last-a.first) + 1
}

// allocation is the result of a handle search.
type allocation struct {
	handle   uint32
	attempts int
	inUse    int
}

// pick returns a handle in [first, last] that lister does not report as
// used. Small ranges are chosen from an explicit free list. Large ranges
// use rejection sampling with at most maxAttempts draws.
func (a handleAllocator) pick(lister HandleLister) (allocation, error) {
	occupied, err := lister.PersistentHandles(a.first, a.last)
	if err != nil {
		return allocation{}, fmt.Errorf("%w: %v", ErrTPM, err)
	}
	used := make(map[uint32]struct{}, len(occupied))
	for _, h := range occupied {
		if h >= a.first && h <= a.last {
			used[h] = struct{}{}
		}
	}
	if uint64(len(used)) >= a.size() {
		return allocation{inUse: len(used)}, ErrNoFreeHandle
	}

	if a.size() <= uint64(a.maxAttempts) {
		free := make([]uint32, 0, a.size()-uint64(len(used)))
		for h := uint64(a.first); h <= uint64(a.last); h++ {
			if _, ok := used[uint32(h)]; !ok {
				free = append(free, uint32(h))
			}
		}
		return allocation{
			handle:   free[a.uint32n(uint32(len(free)))],
			attempts: 1,
			inUse:    len(used),
		}, nil
	}

	span := uint32(a.size())
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		h := a.first + a.uint32n(span)
		if _, ok := used[h]; !ok {
			return allocation{handle: h, attempts: attempt, inUse: len(used)}, nil
		}
	}
	return allocation{attempts: a.maxAttempts, inUse: len(used)}, ErrNoFreeHandle
}
