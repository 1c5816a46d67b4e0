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

package envelope

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-envelope/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-envelope/pkg/dek"
	"github.com/jeremyhahn/go-envelope/pkg/kek"
	"github.com/jeremyhahn/go-envelope/pkg/kek/local"
	"github.com/jeremyhahn/go-envelope/pkg/securebuf"
	"github.com/jeremyhahn/go-envelope/pkg/storage/memory"
)

func newLocalSealer(t *testing.T) *Sealer {
	t.Helper()
	params := kdf.DefaultParams(kdf.AlgorithmArgon2id)
	params.Memory = kdf.MinArgon2Memory
	params.Time = 1
	params.Threads = 1

	p, err := kek.New(context.Background(), kek.Config{
		Kind: kek.KindLocal,
		Local: kek.LocalConfig{
			Passphrase: "envelope-test",
			Storage:    memory.New(),
			Params:     params,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return NewSealer(p)
}

func TestSealOpen(t *testing.T) {
	ctx := context.Background()
	s := newLocalSealer(t)

	pt, err := securebuf.FromBytes([]byte("hello"))
	require.NoError(t, err)

	secret, err := s.Seal(ctx, "demo", pt)
	require.NoError(t, err)
	assert.True(t, pt.Destroyed())
	assert.Equal(t, FormatVersion, secret.Version)
	assert.Equal(t, "demo", secret.Name)
	assert.Equal(t, local.KEKID, secret.WrappedDEK.KEKID)
	assert.NotContains(t, string(secret.Data.Ciphertext), "hello")

	got, err := s.Open(ctx, secret)
	require.NoError(t, err)
	defer got.Destroy()
	assert.Equal(t, []byte("hello"), got.Bytes())
}

func TestSealBytes_WipesInput(t *testing.T) {
	s := newLocalSealer(t)
	data := []byte("top secret")

	secret, err := s.SealBytes(context.Background(), "k", data)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(data)), data)

	got, err := s.Open(context.Background(), secret)
	require.NoError(t, err)
	defer got.Destroy()
	assert.Equal(t, "top secret", string(got.Bytes()))
}

func TestOpen_Tampered(t *testing.T) {
	ctx := context.Background()
	s := newLocalSealer(t)

	tests := []struct {
		name   string
		mutate func(*SealedSecret)
	}{
		{"renamed", func(s *SealedSecret) { s.Name = "other" }},
		{"ciphertext", func(s *SealedSecret) { s.Data.Ciphertext[0] ^= 1 }},
		{"kmac tag", func(s *SealedSecret) { s.Data.KMACTag[0] ^= 1 }},
		{"gcm tag", func(s *SealedSecret) { s.Data.GCMTag[0] ^= 1 }},
		{"wrapped dek", func(s *SealedSecret) { s.WrappedDEK.Ciphertext[0] ^= 1 }},
		{"wrap tag", func(s *SealedSecret) { s.WrappedDEK.Tag[0] ^= 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secret, err := s.SealBytes(ctx, "demo", []byte("payload"))
			require.NoError(t, err)
			tt.mutate(secret)

			got, err := s.Open(ctx, secret)
			assert.Nil(t, got)
			assert.ErrorIs(t, err, dek.ErrAuthentication)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newLocalSealer(t)

	secret, err := s.SealBytes(ctx, "db/password", []byte("s3cr3t"))
	require.NoError(t, err)

	raw, err := secret.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, secret, decoded)

	got, err := s.Open(ctx, decoded)
	require.NoError(t, err)
	defer got.Destroy()
	assert.Equal(t, "s3cr3t", string(got.Bytes()))
}

func TestUnmarshal_Invalid(t *testing.T) {
	_, err := Unmarshal([]byte("{"))
	assert.ErrorIs(t, err, ErrInvalidSecret)

	_, err = Unmarshal([]byte(`{"version":2}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestOpen_Invalid(t *testing.T) {
	s := newLocalSealer(t)
	_, err := s.Open(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidSecret)

	_, err = s.Open(context.Background(), &SealedSecret{Version: 9})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

type failingProvider struct{ kek.Provider }

func (failingProvider) WrapDEK(_ context.Context, d *dek.Dek, _ string) (*kek.WrappedDEK, error) {
	d.Destroy()
	return nil, kek.ErrProvider
}

func TestSeal_ProviderFailure(t *testing.T) {
	s := NewSealer(failingProvider{})
	pt, err := securebuf.FromBytes([]byte("x"))
	require.NoError(t, err)

	_, err = s.Seal(context.Background(), "x", pt)
	assert.True(t, errors.Is(err, kek.ErrProvider))
	assert.True(t, pt.Destroyed())
}
