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

// Package storage is the key-value abstraction behind the local KEK file
// and the small-deployment KEK store.
package storage

import (
	"io/fs"
)

// Backend defines the interface for storage backends.
// All implementations must be thread-safe.
type Backend interface {
	// Get retrieves the value for the given key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// Put stores the value for the given key. Existing values are
	// overwritten unless opts.Exclusive is set, in which case
	// ErrAlreadyExists is returned.
	Put(key string, value []byte, opts *Options) error

	// Delete overwrites the stored value with zeros and removes it.
	// Returns ErrNotFound if the key does not exist.
	Delete(key string) error

	// List returns all keys with the given prefix in sorted order.
	List(prefix string) ([]string, error)

	// Exists checks if a key exists in storage.
	Exists(key string) (bool, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Options contains optional parameters for Put.
type Options struct {
	// Permissions sets the file mode for file-based storage
	Permissions fs.FileMode

	// Exclusive refuses to replace an existing value.
	Exclusive bool
}

// DefaultOptions returns owner-only, overwriting options.
func DefaultOptions() *Options {
	return &Options{
		Permissions: 0600,
	}
}
