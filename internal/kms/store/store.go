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

// Package store persists StoredKEK rows. Rows are written once by KEK
// provisioning and never updated or deleted.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no row has the requested id.
	ErrNotFound = errors.New("store: KEK not found")

	// ErrAlreadyExists is returned when inserting a duplicate id.
	ErrAlreadyExists = errors.New("store: KEK already exists")

	// ErrInvalidConfig is returned by Open for unusable settings.
	ErrInvalidConfig = errors.New("store: invalid configuration")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// StoredKEK is a KEK sealed to a TPM child key. WrappedKEK is the KEK
// encrypted with RSA-OAEP under the child public key. The child's private
// area is itself wrapped by the parent at PersistentHandle, so none of the
// fields is usable without the TPM that produced them.
type StoredKEK struct {
	ID               string `db:"id" json:"id"`
	WrappedKEK       []byte `db:"wrapped_kek" json:"wrapped_kek"`
	PersistentHandle uint32 `db:"persistent_handle" json:"persistent_handle"`
	WrappedPrivKey   []byte `db:"wrapped_priv_key" json:"wrapped_priv_key"`
	WrappedPubKey    []byte `db:"wrapped_pub_key" json:"wrapped_pub_key"`
}

// Validate checks that every field is populated.
func (k *StoredKEK) Validate() error {
	switch {
	case k == nil:
		return errors.New("store: nil KEK")
	case k.ID == "":
		return errors.New("store: KEK id is empty")
	case len(k.WrappedKEK) == 0, len(k.WrappedPrivKey) == 0, len(k.WrappedPubKey) == 0:
		return fmt.Errorf("store: KEK %s is missing key material", k.ID)
	case k.PersistentHandle == 0:
		return fmt.Errorf("store: KEK %s has no persistent handle", k.ID)
	}
	return nil
}

// Store persists StoredKEK rows. Implementations are safe for concurrent
// use.
type Store interface {
	// Insert adds a row. A duplicate id is ErrAlreadyExists.
	Insert(ctx context.Context, k *StoredKEK) error

	// Get returns the row for id or ErrNotFound.
	Get(ctx context.Context, id string) (*StoredKEK, error)

	Close() error
}

// Type names a store implementation.
type Type string

const (
	TypeSQLite  Type = "sqlite"
	TypeLevelDB Type = "leveldb"
	TypeFile    Type = "file"
	TypeMemory  Type = "memory"
)

// Config selects and configures a store.
type Config struct {
	Type Type `yaml:"type"`

	// Path is the database file (sqlite), database directory (leveldb) or
	// root directory (file).
	Path string `yaml:"path"`

	// EncryptionKey enables page encryption for sqlite.
	EncryptionKey string `yaml:"encryption_key"`
}

// Open creates the store named by cfg.Type.
func Open(cfg Config) (Store, error) {
	switch Type(strings.ToLower(string(cfg.Type))) {
	case TypeSQLite, "":
		return OpenSQLite(cfg.Path, cfg.EncryptionKey)
	case TypeLevelDB:
		return OpenLevelDB(cfg.Path)
	case TypeFile:
		return OpenFile(cfg.Path)
	case TypeMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: unknown store type %q", ErrInvalidConfig, cfg.Type)
	}
}

func rowKey(id string) string {
	return "kek/" + id
}
