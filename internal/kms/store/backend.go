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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-envelope/pkg/storage"
	"github.com/jeremyhahn/go-envelope/pkg/storage/file"
	"github.com/jeremyhahn/go-envelope/pkg/storage/memory"
)

// BackendStore keeps rows as JSON documents in a storage.Backend.
type BackendStore struct {
	backend storage.Backend
}

// NewBackend wraps b. The store owns b and closes it.
func NewBackend(b storage.Backend) *BackendStore {
	return &BackendStore{backend: b}
}

// NewMemory returns an in-memory store for tests and the simulator.
func NewMemory() *BackendStore {
	return NewBackend(memory.New())
}

// OpenFile returns a store rooted at dir.
func OpenFile(dir string) (*BackendStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: file store requires a path", ErrInvalidConfig)
	}
	fs, err := file.New(dir)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	return NewBackend(fs), nil
}

func (s *BackendStore) Insert(ctx context.Context, k *StoredKEK) error {
	if err := k.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("store: encode KEK %s: %w", k.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := storage.DefaultOptions()
	opts.Exclusive = true
	err = s.backend.Put(rowKey(k.ID), data, opts)
	return mapBackendError(k.ID, err)
}

func (s *BackendStore) Get(ctx context.Context, id string) (*StoredKEK, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.backend.Get(rowKey(id))
	if err != nil {
		return nil, mapBackendError(id, err)
	}
	var k StoredKEK
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("store: decode KEK %s: %w", id, err)
	}
	return &k, nil
}

func (s *BackendStore) Close() error {
	return s.backend.Close()
}

func mapBackendError(id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case errors.Is(err, storage.ErrAlreadyExists):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	case errors.Is(err, storage.ErrInvalidKey):
		// Ids that cannot name a file cannot have been stored.
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case errors.Is(err, storage.ErrClosed):
		return ErrClosed
	default:
		return fmt.Errorf("store: %w", err)
	}
}
