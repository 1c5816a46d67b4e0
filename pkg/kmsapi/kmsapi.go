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

// Package kmsapi holds the JSON request and response bodies shared by the
// KMS HTTP server and the remote KEK provider.
package kmsapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Endpoint paths.
const (
	PathInitKEK = "/kek/init"
	PathWrap    = "/wrap"
	PathUnwrap  = "/unwrap"
	PathStatus  = "/status"
	PathMetrics = "/metrics"
)

// Bytes is a byte slice encoded as a JSON array of integers, the format
// existing KMS clients send. Decoding also accepts a base64 string.
type Bytes []byte

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	var buf bytes.Buffer
	buf.Grow(len(b)*4 + 2)
	buf.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(v)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		out, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("kmsapi: invalid base64 byte string: %w", err)
		}
		*b = out
		return nil
	}

	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("kmsapi: byte field must be an integer array or base64 string: %w", err)
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			clear(ints)
			return fmt.Errorf("kmsapi: byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	clear(ints)
	*b = out
	return nil
}

// Wipe zeroes the contents.
func (b Bytes) Wipe() {
	clear(b)
}

// NonceSize and TagSize are the AES-GCM nonce and tag lengths on the wire.
const (
	NonceSize = 12
	TagSize   = 16
)

// Nonce converts b to a fixed nonce.
func (b Bytes) Nonce() (n [NonceSize]byte, err error) {
	if len(b) != NonceSize {
		return n, fmt.Errorf("kmsapi: nonce must be %d bytes, got %d", NonceSize, len(b))
	}
	copy(n[:], b)
	return n, nil
}

// Tag converts b to a fixed GCM tag.
func (b Bytes) Tag() (t [TagSize]byte, err error) {
	if len(b) != TagSize {
		return t, fmt.Errorf("kmsapi: tag must be %d bytes, got %d", TagSize, len(b))
	}
	copy(t[:], b)
	return t, nil
}

// InitKEKResponse is returned by POST /kek/init. The id is a 64-bit
// integer rendered in decimal.
type InitKEKResponse struct {
	ID string `json:"id"`
}

// WrapRequest is the body of POST /wrap.
type WrapRequest struct {
	DEK        Bytes  `json:"dek"`
	SecretName string `json:"secret_name"`
	KEK        string `json:"kek"`
}

// WrapResponse is returned by POST /wrap.
type WrapResponse struct {
	WrappedDEK Bytes `json:"wrapped_dek"`
	Nonce      Bytes `json:"nonce"`
	Tag        Bytes `json:"tag"`
}

// UnwrapRequest is the body of POST /unwrap.
type UnwrapRequest struct {
	WrappedDEK Bytes  `json:"wrapped_dek"`
	Tag        Bytes  `json:"tag"`
	Nonce      Bytes  `json:"nonce"`
	SecretName string `json:"secret_name"`
	KEK        string `json:"kek"`
}

// UnwrapResponse is returned by POST /unwrap.
type UnwrapResponse struct {
	UnwrappedDEK Bytes `json:"unwrapped_dek"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
