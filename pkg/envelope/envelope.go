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

// Package envelope stores named secrets with envelope encryption: each
// payload is sealed under a fresh DEK and the DEK is wrapped by a KEK
// provider. Neither record is useful without the other.
package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-envelope/pkg/adapters/logger"
	"github.com/jeremyhahn/go-envelope/pkg/dek"
	"github.com/jeremyhahn/go-envelope/pkg/kek"
	"github.com/jeremyhahn/go-envelope/pkg/securebuf"
)

// FormatVersion is written into every SealedSecret.
const FormatVersion = 1

var (
	// ErrInvalidSecret is returned for a nil or malformed SealedSecret.
	ErrInvalidSecret = errors.New("envelope: invalid sealed secret")

	// ErrUnsupportedVersion is returned when a record was written by a
	// newer format.
	ErrUnsupportedVersion = errors.New("envelope: unsupported format version")
)

// SealedSecret is the persisted form of one secret.
type SealedSecret struct {
	Version    int            `json:"version"`
	Name       string         `json:"name"`
	Data       dek.SealedData `json:"data"`
	WrappedDEK kek.WrappedDEK `json:"wrapped_dek"`
}

// Marshal encodes s as JSON.
func (s *SealedSecret) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal decodes a SealedSecret and checks its version.
func Unmarshal(data []byte) (*SealedSecret, error) {
	var s SealedSecret
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	if s.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.Version)
	}
	return &s, nil
}

// Option configures a Sealer.
type Option func(*Sealer)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Sealer) { s.log = log }
}

// WithRandom sets the randomness source for DEKs and nonces.
func WithRandom(r io.Reader) Option {
	return func(s *Sealer) { s.random = r }
}

// Sealer seals and opens secrets through a KEK provider. It is safe for
// concurrent use if the provider is.
type Sealer struct {
	provider kek.Provider
	log      logger.Logger
	random   io.Reader
}

// NewSealer returns a Sealer using provider. The provider stays owned by
// the caller.
func NewSealer(provider kek.Provider, opts ...Option) *Sealer {
	s := &Sealer{provider: provider, log: logger.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seal encrypts plaintext under a fresh DEK bound to name and wraps the
// DEK. plaintext is destroyed on every path.
func (s *Sealer) Seal(ctx context.Context, name string, plaintext *securebuf.Buffer) (*SealedSecret, error) {
	d, err := dek.New(s.random)
	if err != nil {
		plaintext.Destroy()
		return nil, fmt.Errorf("generate DEK: %w", err)
	}

	data, err := d.WrapData(plaintext, name)
	if err != nil {
		d.Destroy()
		return nil, fmt.Errorf("seal secret: %w", err)
	}

	wrapped, err := s.provider.WrapDEK(ctx, d, name)
	if err != nil {
		return nil, fmt.Errorf("wrap DEK: %w", err)
	}

	s.log.DebugContext(ctx, "sealed secret",
		logger.String("name", name),
		logger.String("kek_id", wrapped.KEKID),
		logger.String("provider", s.provider.Kind().String()))

	return &SealedSecret{
		Version:    FormatVersion,
		Name:       name,
		Data:       *data,
		WrappedDEK: *wrapped,
	}, nil
}

// SealBytes is Seal for a plain slice. data is wiped.
func (s *Sealer) SealBytes(ctx context.Context, name string, data []byte) (*SealedSecret, error) {
	buf, err := securebuf.FromBytes(data)
	if err != nil {
		return nil, err
	}
	return s.Seal(ctx, name, buf)
}

// Open unwraps the DEK and decrypts secret. The caller must Destroy the
// returned buffer.
func (s *Sealer) Open(ctx context.Context, secret *SealedSecret) (*securebuf.Buffer, error) {
	if secret == nil {
		return nil, ErrInvalidSecret
	}
	if secret.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, secret.Version)
	}

	d, err := s.provider.UnwrapDEK(ctx, &secret.WrappedDEK, secret.Name)
	if err != nil {
		return nil, fmt.Errorf("unwrap DEK: %w", err)
	}
	defer d.Destroy()

	pt, err := d.UnwrapData(&secret.Data, secret.Name)
	if err != nil {
		return nil, fmt.Errorf("open secret: %w", err)
	}
	return pt, nil
}
