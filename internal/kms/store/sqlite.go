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
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"

	sqlite3 "github.com/CovenantSQL/go-sqlite3-encrypt"
	"github.com/go-gorp/gorp"
)

const tableName = "kek_store"

// SQLiteStore keeps rows in the kek_store table of a SQLite database.
// go-sqlite3 only guarantees concurrent readers, so the pool is limited to
// one connection.
type SQLiteStore struct {
	dbMap  *gorp.DbMap
	closed atomic.Bool
}

// OpenSQLite opens or creates the database file at path and ensures the
// kek_store table exists. A non-empty key enables page encryption.
func OpenSQLite(path, key string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite store requires a path", ErrInvalidConfig)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)
	if key != "" {
		dsn += "&_crypto_key=" + url.QueryEscape(key)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	dbMap := &gorp.DbMap{Db: db, Dialect: gorp.SqliteDialect{}}
	dbMap.AddTableWithName(StoredKEK{}, tableName).SetKeys(false, "ID")
	if err := dbMap.CreateTablesIfNotExists(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create %s: %w", tableName, err)
	}
	return &SQLiteStore{dbMap: dbMap}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, k *StoredKEK) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := k.Validate(); err != nil {
		return err
	}
	row := *k
	if err := s.dbMap.WithContext(ctx).Insert(&row); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, k.ID)
		}
		return fmt.Errorf("store: insert KEK %s: %w", k.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*StoredKEK, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	obj, err := s.dbMap.WithContext(ctx).Get(StoredKEK{}, id)
	if err != nil {
		return nil, fmt.Errorf("store: get KEK %s: %w", id, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return obj.(*StoredKEK), nil
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.dbMap.Db.Close()
}
