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

// Package kek defines the key encryption key provider abstraction.
//
// A Provider wraps DEKs for storage and unwraps them for use. WrapDEK takes
// ownership of the Dek and destroys it before returning, so callers cannot
// keep using plaintext key material that has been handed off for wrapping.
// UnwrapDEK returns a Dek only after the provider authenticated the wrapped
// record.
package kek

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-envelope/pkg/crypto/aesgcm"
	"github.com/jeremyhahn/go-envelope/pkg/dek"
)

// Kind identifies a provider implementation.
type Kind string

const (
	// KindLocal derives a KEK from a passphrase on the local host. Not for
	// production use.
	KindLocal Kind = "local"

	// KindRemote delegates to a TPM-backed KMS over HTTP.
	KindRemote Kind = "remote"
)

// String returns the string representation of the kind
func (k Kind) String() string {
	return string(k)
}

// ParseKind maps configuration values to a Kind. The legacy names "fs" and
// "tokaykms" are accepted.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "fs", "file":
		return KindLocal, nil
	case "remote", "tokaykms", "kms":
		return KindRemote, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

var (
	// ErrAuthentication is returned when a wrapped DEK fails to verify.
	ErrAuthentication = dek.ErrAuthentication

	// ErrProvider wraps transport and remote failures.
	ErrProvider = errors.New("kek: provider error")

	// ErrUnknownKind is returned for unregistered provider kinds.
	ErrUnknownKind = errors.New("kek: unknown provider kind")

	// ErrInvalidConfig is returned when a provider cannot start from the
	// supplied configuration.
	ErrInvalidConfig = errors.New("kek: invalid provider configuration")
)

// WrappedDEK is a DEK encrypted under a KEK. It is immutable once created.
type WrappedDEK struct {
	Ciphertext []byte                 `json:"ciphertext"`
	Nonce      [aesgcm.NonceSize]byte `json:"nonce"`
	Tag        [aesgcm.TagSize]byte   `json:"tag"`
	KEKID      string                 `json:"kek_id"`
}

// Provider wraps and unwraps DEKs under a key encryption key.
type Provider interface {
	// InitNewKEK provisions a new KEK and returns its identifier.
	InitNewKEK(ctx context.Context) (string, error)

	// WrapDEK encrypts d, binding name. d is destroyed on every path.
	WrapDEK(ctx context.Context, d *dek.Dek, name string) (*WrappedDEK, error)

	// UnwrapDEK authenticates and decrypts w for name.
	UnwrapDEK(ctx context.Context, w *WrappedDEK, name string) (*dek.Dek, error)

	// Kind reports the implementation.
	Kind() Kind

	// Close releases the provider's key material and connections.
	Close() error
}

// AssociatedData is the AAD every provider binds to a wrapped DEK.
func AssociatedData(name string) []byte {
	return []byte("secret:" + name)
}
