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

// Package dek implements data encryption keys and the sealed-data format
// they produce.
//
// A Dek is 32 random bytes in locked memory. It is never used directly as a
// cipher key: HKDF over SHA3-384 splits it into an AES-256-GCM key and a
// KMAC256 key. Sealing binds the secret name as associated data, encrypts
// with AES-256-GCM, and then computes KMAC256 over ciphertext and name.
// Opening checks the KMAC tag in constant time before any decryption.
package dek

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-envelope/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-envelope/pkg/crypto/aesgcm"
	"github.com/jeremyhahn/go-envelope/pkg/crypto/kmac"
	"github.com/jeremyhahn/go-envelope/pkg/securebuf"
)

const (
	// Size is the DEK length in bytes.
	Size = 32

	// NonceSize, TagSize and MACSize describe SealedData.
	NonceSize = aesgcm.NonceSize
	TagSize   = aesgcm.TagSize
	MACSize   = 32

	aeadInfo = "AES-256-GCM"
	macInfo  = "KMAC-256"
)

var (
	// ErrAllocation is returned when locked memory is unavailable.
	ErrAllocation = securebuf.ErrAllocation

	// ErrRandomness is returned when the random source fails.
	ErrRandomness = errors.New("dek: random source failure")

	// ErrAuthentication is returned when a tag does not verify. It does not
	// say which tag failed.
	ErrAuthentication = errors.New("dek: authentication failed")

	// ErrInvalidKey is returned when key material is not Size bytes.
	ErrInvalidKey = errors.New("dek: key must be 32 bytes")

	// ErrDestroyed is returned when a destroyed Dek is used.
	ErrDestroyed = errors.New("dek: key destroyed")
)

// openData decrypts sealed into dst. Tests replace it to observe calls.
var openData = func(dst, key []byte, sealed *SealedData, aad []byte) error {
	return aesgcm.New(nil).OpenInto(dst, key, sealed.Ciphertext, sealed.Nonce, sealed.GCMTag, aad)
}

// SealedData is the output of WrapData. It opens only under the same Dek
// and secret name.
type SealedData struct {
	Ciphertext []byte          `json:"ciphertext"`
	GCMTag     [TagSize]byte   `json:"gcm_tag"`
	KMACTag    [MACSize]byte   `json:"kmac_tag"`
	Nonce      [NonceSize]byte `json:"nonce"`
}

// Dek is a data encryption key. It is single-owner: pass it by pointer and
// call Destroy when done, unless a KEK provider has consumed it.
type Dek struct {
	key    *securebuf.Buffer
	random io.Reader
	hkdf   kdf.KDFAdapter
}

// Generate creates a Dek from crypto/rand.
func Generate() (*Dek, error) {
	return New(rand.Reader)
}

// New creates a Dek from random, which also supplies nonces.
func New(random io.Reader) (*Dek, error) {
	if random == nil {
		random = rand.Reader
	}
	buf, err := securebuf.New(Size)
	if err != nil {
		return nil, err
	}
	m, err := buf.Mutable()
	if err != nil {
		buf.Destroy()
		return nil, err
	}
	if _, err := io.ReadFull(random, m); err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("%w: %v", ErrRandomness, err)
	}
	return &Dek{key: buf, random: random, hkdf: kdf.NewHKDFAdapter()}, nil
}

// FromBuffer adopts buf as the key. The Dek takes ownership of buf.
func FromBuffer(buf *securebuf.Buffer) (*Dek, error) {
	if buf == nil || buf.Len() != Size {
		buf.Destroy()
		return nil, ErrInvalidKey
	}
	return &Dek{key: buf, random: rand.Reader, hkdf: kdf.NewHKDFAdapter()}, nil
}

// FromBytes copies b into locked memory and wipes b.
func FromBytes(b []byte) (*Dek, error) {
	if len(b) != Size {
		clear(b)
		return nil, ErrInvalidKey
	}
	buf, err := securebuf.FromBytes(b)
	if err != nil {
		return nil, err
	}
	return FromBuffer(buf)
}

// Bytes returns a borrowed view of the raw key for KEK wrapping. Do not
// retain it.
func (d *Dek) Bytes() []byte {
	if d == nil || d.key == nil {
		return nil
	}
	return d.key.Bytes()
}

// Destroy wipes and releases the key.
func (d *Dek) Destroy() {
	if d == nil || d.key == nil {
		return
	}
	d.key.Destroy()
}

// Destroyed reports whether the key has been released.
func (d *Dek) Destroyed() bool {
	return d == nil || d.key == nil || d.key.Destroyed()
}

// WrapData seals plaintext bound to name. plaintext is destroyed whether or
// not sealing succeeds.
func (d *Dek) WrapData(plaintext *securebuf.Buffer, name string) (*SealedData, error) {
	defer plaintext.Destroy()
	if d.Destroyed() {
		return nil, ErrDestroyed
	}
	if plaintext == nil {
		return nil, errors.New("dek: nil plaintext")
	}

	encKey, macKey, err := d.subkeys()
	if err != nil {
		return nil, err
	}
	defer encKey.Destroy()
	defer macKey.Destroy()

	aad := associatedData(name)
	sealed, err := aesgcm.New(d.random).Seal(encKey.Bytes(), plaintext.Bytes(), aad)
	if err != nil {
		if errors.Is(err, aesgcm.ErrRandomness) {
			return nil, fmt.Errorf("%w: %v", ErrRandomness, err)
		}
		return nil, err
	}

	out := &SealedData{
		Ciphertext: sealed.Ciphertext,
		GCMTag:     sealed.Tag,
		Nonce:      sealed.Nonce,
	}
	copy(out.KMACTag[:], mac(macKey.Bytes(), sealed.Ciphertext, aad))
	return out, nil
}

// UnwrapData verifies and decrypts sealed. The KMAC tag is checked first
// and nothing is decrypted if it fails.
func (d *Dek) UnwrapData(sealed *SealedData, name string) (*securebuf.Buffer, error) {
	if d.Destroyed() {
		return nil, ErrDestroyed
	}
	if sealed == nil {
		return nil, ErrAuthentication
	}

	encKey, macKey, err := d.subkeys()
	if err != nil {
		return nil, err
	}
	defer encKey.Destroy()
	defer macKey.Destroy()

	aad := associatedData(name)
	if !kmac.Equal(mac(macKey.Bytes(), sealed.Ciphertext, aad), sealed.KMACTag[:]) {
		return nil, ErrAuthentication
	}

	out, err := securebuf.New(len(sealed.Ciphertext))
	if err != nil {
		return nil, err
	}
	dst, err := out.Mutable()
	if err != nil {
		out.Destroy()
		return nil, err
	}
	if err := openData(dst, encKey.Bytes(), sealed, aad); err != nil {
		out.Destroy()
		return nil, ErrAuthentication
	}
	return out, nil
}

// subkeys derives the AEAD and MAC keys into fresh locked buffers.
func (d *Dek) subkeys() (enc, mk *securebuf.Buffer, err error) {
	enc, err = d.derive(aeadInfo)
	if err != nil {
		return nil, nil, err
	}
	mk, err = d.derive(macInfo)
	if err != nil {
		enc.Destroy()
		return nil, nil, err
	}
	return enc, mk, nil
}

func (d *Dek) derive(info string) (*securebuf.Buffer, error) {
	buf, err := securebuf.New(aesgcm.KeySize)
	if err != nil {
		return nil, err
	}
	dst, err := buf.Mutable()
	if err != nil {
		buf.Destroy()
		return nil, err
	}
	params := kdf.DefaultParams(kdf.AlgorithmHKDF)
	params.Info = []byte(info)
	if err := d.hkdf.DeriveInto(dst, d.key.Bytes(), params); err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("dek: derive %s key: %w", info, err)
	}
	return buf, nil
}

func associatedData(name string) []byte {
	return []byte("name=" + name)
}

func mac(key, ciphertext, aad []byte) []byte {
	h := kmac.New256(key, nil, MACSize)
	h.Write(ciphertext)
	h.Write(aad)
	return h.Sum(nil)
}
