package aesgcm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestSealOpen(t *testing.T) {
	a := New(nil)
	key, err := a.GenerateKey()
	require.NoError(t, err)

	sealed, err := a.Seal(key, []byte("hello"), []byte("name=demo"))
	require.NoError(t, err)
	assert.Len(t, sealed.Ciphertext, 5)

	pt, err := a.Open(key, sealed.Ciphertext, sealed.Nonce, sealed.Tag, []byte("name=demo"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))
}

func TestOpen_Tamper(t *testing.T) {
	a := New(nil)
	key, err := a.GenerateKey()
	require.NoError(t, err)
	sealed, err := a.Seal(key, []byte("payload"), []byte("aad"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(ct []byte, n *[NonceSize]byte, tag *[TagSize]byte, aad *[]byte)
	}{
		{"ciphertext", func(ct []byte, _ *[NonceSize]byte, _ *[TagSize]byte, _ *[]byte) { ct[0] ^= 1 }},
		{"nonce", func(_ []byte, n *[NonceSize]byte, _ *[TagSize]byte, _ *[]byte) { n[0] ^= 1 }},
		{"tag", func(_ []byte, _ *[NonceSize]byte, tag *[TagSize]byte, _ *[]byte) { tag[15] ^= 1 }},
		{"aad", func(_ []byte, _ *[NonceSize]byte, _ *[TagSize]byte, aad *[]byte) { *aad = []byte("aaD") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct := bytes.Clone(sealed.Ciphertext)
			nonce, tag, aad := sealed.Nonce, sealed.Tag, []byte("aad")
			tt.mutate(ct, &nonce, &tag, &aad)

			_, err := a.Open(key, ct, nonce, tag, aad)
			assert.ErrorIs(t, err, ErrAuthentication)
		})
	}
}

func TestSeal_FreshNonce(t *testing.T) {
	a := New(nil)
	key, err := a.GenerateKey()
	require.NoError(t, err)

	s1, err := a.Seal(key, []byte("same"), nil)
	require.NoError(t, err)
	s2, err := a.Seal(key, []byte("same"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, s1.Nonce, s2.Nonce)
	assert.NotEqual(t, s1.Ciphertext, s2.Ciphertext)
}

func TestOpenInto(t *testing.T) {
	a := New(nil)
	key, err := a.GenerateKey()
	require.NoError(t, err)
	sealed, err := a.Seal(key, []byte("locked"), []byte("aad"))
	require.NoError(t, err)

	dst := make([]byte, len(sealed.Ciphertext))
	require.NoError(t, a.OpenInto(dst, key, sealed.Ciphertext, sealed.Nonce, sealed.Tag, []byte("aad")))
	assert.Equal(t, "locked", string(dst))

	err = a.OpenInto(dst, key, sealed.Ciphertext, sealed.Nonce, sealed.Tag, []byte("other"))
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, make([]byte, len(dst)), dst)

	assert.Error(t, a.OpenInto(make([]byte, 2), key, sealed.Ciphertext, sealed.Nonce, sealed.Tag, nil))
}

func TestInvalidKey(t *testing.T) {
	a := New(nil)
	_, err := a.Seal(make([]byte, 16), []byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = a.Open(make([]byte, 31), nil, [NonceSize]byte{}, [TagSize]byte{}, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestRandomnessFailure(t *testing.T) {
	a := New(failingReader{})
	_, err := a.GenerateKey()
	assert.ErrorIs(t, err, ErrRandomness)
	_, err = a.Seal(make([]byte, KeySize), []byte("x"), nil)
	assert.ErrorIs(t, err, ErrRandomness)
}
