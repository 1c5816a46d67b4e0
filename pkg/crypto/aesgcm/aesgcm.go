// Package aesgcm provides AES-256-GCM sealing with a detached nonce and tag.
package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// NonceSize is the GCM standard nonce length.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

var (
	// ErrInvalidKey indicates a key that is not 32 bytes
	ErrInvalidKey = errors.New("aesgcm: key must be 32 bytes")

	// ErrRandomness indicates the nonce source failed
	ErrRandomness = errors.New("aesgcm: random source failure")

	// ErrAuthentication indicates the tag did not verify
	ErrAuthentication = errors.New("aesgcm: message authentication failed")
)

// Sealed is a ciphertext with its nonce and tag kept apart.
type Sealed struct {
	Ciphertext []byte
	Nonce      [NonceSize]byte
	Tag        [TagSize]byte
}

// AESGCM provides AES-256-GCM encryption/decryption
type AESGCM struct {
	random io.Reader
}

// New creates an AESGCM that draws nonces from random. A nil reader
// selects crypto/rand.
func New(random io.Reader) *AESGCM {
	if random == nil {
		random = rand.Reader
	}
	return &AESGCM{random: random}
}

// GenerateKey returns a fresh 32-byte key.
func (a *AESGCM) GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(a.random, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomness, err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with a fresh nonce, binding aad.
func (a *AESGCM) Seal(key, plaintext, aad []byte) (*Sealed, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	out := &Sealed{}
	if _, err := io.ReadFull(a.random, out.Nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomness, err)
	}

	sealed := gcm.Seal(nil, out.Nonce[:], plaintext, aad)
	split := len(sealed) - TagSize
	out.Ciphertext = sealed[:split:split]
	copy(out.Tag[:], sealed[split:])
	return out, nil
}

// Open decrypts ciphertext, checking tag against aad. The returned slice is
// freshly allocated and owned by the caller.
func (a *AESGCM) Open(key, ciphertext []byte, nonce [NonceSize]byte, tag [TagSize]byte, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(ciphertext)+TagSize)
	buf = append(buf, ciphertext...)
	buf = append(buf, tag[:]...)

	plaintext, err := gcm.Open(nil, nonce[:], buf, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// OpenInto decrypts into dst, which must be exactly len(ciphertext) bytes.
// Used to land plaintext straight in locked memory. dst is zeroed when
// authentication fails.
func (a *AESGCM) OpenInto(dst, key, ciphertext []byte, nonce [NonceSize]byte, tag [TagSize]byte, aad []byte) error {
	if len(dst) != len(ciphertext) {
		return fmt.Errorf("aesgcm: destination is %d bytes, need %d", len(dst), len(ciphertext))
	}
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, len(ciphertext)+TagSize)
	buf = append(buf, ciphertext...)
	buf = append(buf, tag[:]...)

	if _, err := gcm.Open(dst[:0], nonce[:], buf, aad); err != nil {
		clear(dst)
		return ErrAuthentication
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
