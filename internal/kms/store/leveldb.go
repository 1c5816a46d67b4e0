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
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDBStore keeps rows as JSON values in a LevelDB database.
type LevelDBStore struct {
	// mu makes the exists-check and put in Insert atomic.
	mu sync.Mutex
	db *leveldb.DB
}

// OpenLevelDB opens or creates the database directory at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: leveldb store requires a path", ErrInvalidConfig)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Insert(ctx context.Context, k *StoredKEK) error {
	if err := k.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("store: encode KEK %s: %w", k.ID, err)
	}
	key := []byte(rowKey(k.ID))

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.db.Has(key, nil)
	if err != nil {
		return mapLevelDBError(err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, k.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapLevelDBError(s.db.Put(key, data, &opt.WriteOptions{Sync: true}))
}

func (s *LevelDBStore) Get(ctx context.Context, id string) (*StoredKEK, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.db.Get([]byte(rowKey(id)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, mapLevelDBError(err)
	}
	var k StoredKEK
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("store: decode KEK %s: %w", id, err)
	}
	return &k, nil
}

func (s *LevelDBStore) Close() error {
	return mapLevelDBError(s.db.Close())
}

func mapLevelDBError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrClosed):
		return ErrClosed
	default:
		return fmt.Errorf("store: leveldb: %w", err)
	}
}
