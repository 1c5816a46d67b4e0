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
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"github.com/jeremyhahn/go-envelope/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-envelope/pkg/adapters/logger"
	"github.com/jeremyhahn/go-envelope/pkg/crypto/aesgcm"
	"github.com/jeremyhahn/go-envelope/pkg/securebuf"
)

// KEKSource produces the key material for a new KEK.
type KEKSource interface {
	// NewKEK returns a fresh 32-byte key in locked memory.
	NewKEK() (*securebuf.Buffer, error)

	// Name identifies the source in logs and configuration.
	Name() string
}

const (
	SourceRandom     = "random"
	SourcePassphrase = "passphrase"
)

// RandomSource draws KEKs from a CSPRNG.
type RandomSource struct {
	random io.Reader
}

// NewRandomSource reads from r, or crypto/rand when r is nil.
func NewRandomSource(r io.Reader) *RandomSource {
	if r == nil {
		r = rand.Reader
	}
	return &RandomSource{random: r}
}

func (s *RandomSource) NewKEK() (*securebuf.Buffer, error) {
	buf, err := securebuf.New(aesgcm.KeySize)
	if err != nil {
		return nil, err
	}
	dst, err := buf.Mutable()
	if err == nil {
		_, err = io.ReadFull(s.random, dst)
	}
	if err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("kms: generate KEK: %w", err)
	}
	return buf, nil
}

func (s *RandomSource) Name() string { return SourceRandom }

// PassphraseSource derives each KEK with Argon2id from an operator
// passphrase and a fresh random salt. The salt is not kept, so the TPM
// remains the only way to recover a KEK.
type PassphraseSource struct {
	passphrase *securebuf.Buffer
	params     kdf.KDFParams
	random     io.Reader
}

// NewPassphraseSource copies passphrase into locked memory. nil params
// selects the Argon2id defaults.
func NewPassphraseSource(passphrase string, params *kdf.KDFParams, log logger.Logger) (*PassphraseSource, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: passphrase KEK source requires a passphrase", ErrInvalidRequest)
	}
	if params == nil {
		params = kdf.DefaultParams(kdf.AlgorithmArgon2id)
	}
	if log != nil {
		log.Warn("KEKs are derived from a configured passphrase; " +
			"the passphrase is a secret of the same value as every KEK it produces")
	}
	buf, err := securebuf.FromBytes([]byte(passphrase))
	if err != nil {
		return nil, err
	}
	return &PassphraseSource{passphrase: buf, params: *params, random: rand.Reader}, nil
}

func (s *PassphraseSource) NewKEK() (*securebuf.Buffer, error) {
	salt, err := kdf.NewSalt(s.random, kdf.MinArgon2SaltLength)
	if err != nil {
		return nil, fmt.Errorf("kms: generate salt: %w", err)
	}
	params := s.params
	params.Salt = salt
	params.KeyLength = aesgcm.KeySize

	buf, err := securebuf.New(aesgcm.KeySize)
	if err != nil {
		return nil, err
	}
	dst, err := buf.Mutable()
	if err == nil {
		err = kdf.NewArgon2idAdapter().DeriveInto(dst, s.passphrase.Bytes(), &params)
	}
	if err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("kms: derive KEK: %w", err)
	}
	return buf, nil
}

func (s *PassphraseSource) Name() string { return SourcePassphrase }

// Destroy wipes the passphrase.
func (s *PassphraseSource) Destroy() {
	s.passphrase.Destroy()
}

// Destroyed reports whether Destroy has been called.
func (s *PassphraseSource) Destroyed() bool {
	return s.passphrase.Destroyed()
}

// NewSource builds the source named by name.
func NewSource(name, passphrase string, params *kdf.KDFParams, log logger.Logger) (KEKSource, error) {
	switch strings.ToLower(name) {
	case SourceRandom, "":
		return NewRandomSource(nil), nil
	case SourcePassphrase:
		return NewPassphraseSource(passphrase, params, log)
	default:
		return nil, fmt.Errorf("%w: unknown KEK source %q", ErrInvalidRequest, name)
	}
}
