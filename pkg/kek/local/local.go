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

// Package local implements a KEK provider that derives its key from an
// operator passphrase with Argon2id. It is a reference implementation for
// development and tests. It offers none of the protection of the TPM-backed
// KMS.
//
// The first start derives the key under a random salt and persists the salt
// and key. The next start loads that record, checks it against the
// passphrase, and overwrites it in place with a salt-only record so later
// starts derive the same key. The record is never absent in between.
package local

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-envelope/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-envelope/pkg/adapters/logger"
	"github.com/jeremyhahn/go-envelope/pkg/crypto/aesgcm"
	"github.com/jeremyhahn/go-envelope/pkg/dek"
	"github.com/jeremyhahn/go-envelope/pkg/kek"
	"github.com/jeremyhahn/go-envelope/pkg/securebuf"
	"github.com/jeremyhahn/go-envelope/pkg/storage"
)

const (
	// KEKID is the identifier reported for the single local key.
	KEKID = "local"

	// StorageKey is where the key record lives in the backend.
	StorageKey = "kek/local"

	saltSize = 16
)

func init() {
	kek.Register(kek.KindLocal, func(ctx context.Context, cfg kek.Config) (kek.Provider, error) {
		return New(cfg.Local, cfg.Logger)
	})
}

// record is the persisted form. Key is present only until the next start.
type record struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	Key     []byte `json:"key,omitempty"`
}

// Provider wraps DEKs with AES-256-GCM under a passphrase-derived KEK.
type Provider struct {
	key *securebuf.Buffer
	gcm *aesgcm.AESGCM
}

// New derives or loads the local KEK.
func New(cfg kek.LocalConfig, log logger.Logger) (*Provider, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("%w: local provider requires a passphrase", kek.ErrInvalidConfig)
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("%w: local provider requires storage", kek.ErrInvalidConfig)
	}

	log.Warn("the local KEK provider is insecure and intended for testing only; " +
		"use the TPM-backed KMS in production")

	params := cfg.Params
	if params == nil {
		params = kdf.DefaultParams(kdf.AlgorithmArgon2id)
	}

	key, err := loadOrDerive(cfg.Storage, []byte(cfg.Passphrase), *params, log)
	if err != nil {
		return nil, err
	}
	return &Provider{key: key, gcm: aesgcm.New(nil)}, nil
}

func loadOrDerive(store storage.Backend, passphrase []byte, params kdf.KDFParams, log logger.Logger) (*securebuf.Buffer, error) {
	raw, err := store.Get(StorageKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		salt, err := kdf.NewSalt(nil, saltSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", kek.ErrProvider, err)
		}
		params.Salt = salt
		key, err := derive(passphrase, params)
		if err != nil {
			return nil, err
		}
		rec := record{Version: 1, Salt: salt, Key: key.Bytes()}
		if err := put(store, rec, true); err != nil {
			key.Destroy()
			return nil, err
		}
		log.Info("derived and persisted local KEK")
		return key, nil

	case err != nil:
		return nil, fmt.Errorf("%w: read local KEK: %v", kek.ErrProvider, err)
	}

	var rec record
	err = json.Unmarshal(raw, &rec)
	clear(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode local KEK record: %v", kek.ErrProvider, err)
	}
	defer clear(rec.Key)

	params.Salt = rec.Salt
	key, err := derive(passphrase, params)
	if err != nil {
		return nil, err
	}
	if rec.Key == nil {
		return key, nil
	}

	if subtle.ConstantTimeCompare(key.Bytes(), rec.Key) != 1 {
		key.Destroy()
		return nil, fmt.Errorf("%w: passphrase does not match the persisted local KEK", kek.ErrInvalidConfig)
	}
	if err := put(store, record{Version: 1, Salt: rec.Salt}, false); err != nil {
		key.Destroy()
		return nil, err
	}
	log.Info("loaded local KEK and removed on-disk key copy")
	return key, nil
}

func derive(passphrase []byte, params kdf.KDFParams) (*securebuf.Buffer, error) {
	params.KeyLength = aesgcm.KeySize
	buf, err := securebuf.New(aesgcm.KeySize)
	if err != nil {
		return nil, err
	}
	dst, err := buf.Mutable()
	if err == nil {
		err = kdf.NewArgon2idAdapter().DeriveInto(dst, passphrase, &params)
	}
	if err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("%w: derive local KEK: %v", kek.ErrInvalidConfig, err)
	}
	return buf, nil
}

func put(store storage.Backend, rec record, exclusive bool) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode local KEK record: %v", kek.ErrProvider, err)
	}
	defer clear(data)
	opts := storage.DefaultOptions()
	opts.Exclusive = exclusive
	if err := store.Put(StorageKey, data, opts); err != nil {
		return fmt.Errorf("%w: persist local KEK: %v", kek.ErrProvider, err)
	}
	return nil
}

// InitNewKEK returns the fixed local id. There is exactly one local KEK.
func (p *Provider) InitNewKEK(ctx context.Context) (string, error) {
	if p.key.Destroyed() {
		return "", fmt.Errorf("%w: provider closed", kek.ErrProvider)
	}
	return KEKID, nil
}

// WrapDEK seals d under the local KEK and destroys d.
func (p *Provider) WrapDEK(ctx context.Context, d *dek.Dek, name string) (*kek.WrappedDEK, error) {
	defer d.Destroy()
	if p.key.Destroyed() {
		return nil, fmt.Errorf("%w: provider closed", kek.ErrProvider)
	}
	if d.Destroyed() {
		return nil, dek.ErrDestroyed
	}

	sealed, err := p.gcm.Seal(p.key.Bytes(), d.Bytes(), kek.AssociatedData(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kek.ErrProvider, err)
	}
	return &kek.WrappedDEK{
		Ciphertext: sealed.Ciphertext,
		Nonce:      sealed.Nonce,
		Tag:        sealed.Tag,
		KEKID:      KEKID,
	}, nil
}

// UnwrapDEK opens w under the local KEK.
func (p *Provider) UnwrapDEK(ctx context.Context, w *kek.WrappedDEK, name string) (*dek.Dek, error) {
	if p.key.Destroyed() {
		return nil, fmt.Errorf("%w: provider closed", kek.ErrProvider)
	}
	if w == nil || len(w.Ciphertext) != dek.Size {
		return nil, kek.ErrAuthentication
	}

	buf, err := securebuf.New(dek.Size)
	if err != nil {
		return nil, err
	}
	dst, err := buf.Mutable()
	if err != nil {
		buf.Destroy()
		return nil, err
	}
	if err := p.gcm.OpenInto(dst, p.key.Bytes(), w.Ciphertext, w.Nonce, w.Tag, kek.AssociatedData(name)); err != nil {
		buf.Destroy()
		return nil, kek.ErrAuthentication
	}
	return dek.FromBuffer(buf)
}

// Kind reports kek.KindLocal.
func (p *Provider) Kind() kek.Kind { return kek.KindLocal }

// Close destroys the KEK. The storage backend belongs to the caller.
func (p *Provider) Close() error {
	p.key.Destroy()
	return nil
}
