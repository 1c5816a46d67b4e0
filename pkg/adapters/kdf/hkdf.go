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
	"io"

	"golang.org/x/crypto/hkdf"
	_ "golang.org/x/crypto/sha3" // registers crypto.SHA3_*
)

// HKDFAdapter implements the KDFAdapter interface using HKDF (RFC 5869).
// The input is expected to be uniformly random, such as a DEK.
type HKDFAdapter struct{}

// NewHKDFAdapter creates a new HKDF adapter
func NewHKDFAdapter() *HKDFAdapter {
	return &HKDFAdapter{}
}

// DeriveKey derives a key using HKDF
func (h *HKDFAdapter) DeriveKey(ikm []byte, params *KDFParams) ([]byte, error) {
	if params == nil {
		return nil, ErrInvalidKeyLength
	}
	key := make([]byte, params.KeyLength)
	if err := h.DeriveInto(key, ikm, params); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveInto fills dst with HKDF output. params.KeyLength must equal
// len(dst) or be zero.
func (h *HKDFAdapter) DeriveInto(dst, ikm []byte, params *KDFParams) error {
	if params != nil && params.KeyLength == 0 {
		p := *params
		p.KeyLength = len(dst)
		params = &p
	}
	if err := h.ValidateParams(params); err != nil {
		return err
	}
	if params.KeyLength != len(dst) {
		return ErrInvalidKeyLength
	}
	if len(ikm) == 0 {
		return ErrInvalidIKM
	}

	r := hkdf.New(params.Hash.New, ikm, params.Salt, params.Info)
	_, err := io.ReadFull(r, dst)
	return err
}

// Algorithm returns the KDF algorithm
func (h *HKDFAdapter) Algorithm() KDFAlgorithm {
	return AlgorithmHKDF
}

// ValidateParams validates HKDF parameters
func (h *HKDFAdapter) ValidateParams(params *KDFParams) error {
	if params == nil {
		return ErrInvalidKeyLength
	}
	if params.Algorithm != AlgorithmHKDF {
		return ErrUnsupportedAlgorithm
	}
	if params.KeyLength <= 0 {
		return ErrInvalidKeyLength
	}
	if params.Hash == 0 || !params.Hash.Available() {
		return ErrInvalidHash
	}
	if params.KeyLength > 255*params.Hash.Size() {
		return ErrInvalidKeyLength
	}
	return nil
}
