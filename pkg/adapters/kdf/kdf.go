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

package kdf

import (
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// KDFAlgorithm represents the key derivation function algorithm type
type KDFAlgorithm string

const (
	// AlgorithmHKDF is HMAC-based Extract-and-Expand (RFC 5869). Used to
	// split a DEK into independent sub-keys.
	AlgorithmHKDF KDFAlgorithm = "HKDF"

	// AlgorithmArgon2id is the memory-hard password KDF used to stretch
	// operator passphrases into KEKs.
	AlgorithmArgon2id KDFAlgorithm = "Argon2id"
)

// String returns the string representation of the KDF algorithm
func (a KDFAlgorithm) String() string {
	return string(a)
}

// KDFParams contains parameters for key derivation
type KDFParams struct {
	Algorithm KDFAlgorithm

	// Salt is optional for HKDF and required for Argon2id.
	Salt []byte

	// Info is the HKDF context string.
	Info []byte

	// Memory is the Argon2 memory cost in KiB
	Memory uint32

	// Threads is the Argon2 lane count
	Threads uint8

	// Time is the Argon2 pass count
	Time uint32

	// KeyLength is the desired output key length in bytes
	KeyLength int

	// Hash is the HKDF hash function
	Hash crypto.Hash
}

// KDFAdapter derives key material.
type KDFAdapter interface {
	// DeriveKey derives a new key from ikm.
	DeriveKey(ikm []byte, params *KDFParams) ([]byte, error)

	// DeriveInto derives len(dst) bytes from ikm directly into dst, so the
	// output can land in locked memory.
	DeriveInto(dst, ikm []byte, params *KDFParams) error

	Algorithm() KDFAlgorithm

	ValidateParams(params *KDFParams) error
}

// Common errors
var (
	ErrInvalidSalt          = errors.New("kdf: invalid salt")
	ErrInvalidKeyLength     = errors.New("kdf: invalid key length")
	ErrInvalidMemory        = errors.New("kdf: invalid memory cost")
	ErrInvalidThreads       = errors.New("kdf: invalid threads")
	ErrInvalidTime          = errors.New("kdf: invalid time cost")
	ErrInvalidHash          = errors.New("kdf: invalid or unsupported hash function")
	ErrInvalidIKM           = errors.New("kdf: invalid input key material")
	ErrUnsupportedAlgorithm = errors.New("kdf: unsupported algorithm")
)

// DefaultParams returns the parameters this project uses for each
// algorithm: HKDF over SHA3-384 and Argon2id at 64 MiB, 3 passes, 4 lanes.
func DefaultParams(algorithm KDFAlgorithm) *KDFParams {
	switch algorithm {
	case AlgorithmHKDF:
		return &KDFParams{
			Algorithm: AlgorithmHKDF,
			KeyLength: 32,
			Hash:      crypto.SHA3_384,
		}
	case AlgorithmArgon2id:
		return &KDFParams{
			Algorithm: AlgorithmArgon2id,
			Memory:    64 * 1024,
			Time:      3,
			Threads:   4,
			KeyLength: 32,
		}
	default:
		return nil
	}
}

// NewSalt reads a salt of n bytes from random, or crypto/rand when random
// is nil.
func NewSalt(random io.Reader, n int) ([]byte, error) {
	if random == nil {
		random = rand.Reader
	}
	salt := make([]byte, n)
	if _, err := io.ReadFull(random, salt); err != nil {
		return nil, fmt.Errorf("kdf: read salt: %w", err)
	}
	return salt, nil
}
