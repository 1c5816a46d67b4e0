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

// Package kmac implements KMAC256 from NIST SP 800-185 on top of cSHAKE256.
package kmac

import (
	"crypto/subtle"
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/sha3"
)

// rate256 is the cSHAKE256 block size in bytes.
const rate256 = 136

var functionName = []byte("KMAC")

type kmac struct {
	initial sha3.ShakeHash
	state   sha3.ShakeHash
	size    int
}

// New256 returns a KMAC256 hash.Hash keyed with key, using customization
// string s and producing size bytes.
func New256(key, s []byte, size int) hash.Hash {
	if size <= 0 {
		panic("kmac: output size must be positive")
	}
	h := sha3.NewCShake256(functionName, s)
	h.Write(bytepad(encodeString(key), rate256))
	return &kmac{initial: h.Clone(), state: h, size: size}
}

// Sum256 computes KMAC256(key, data, size*8, s) in one call.
func Sum256(key, data, s []byte, size int) []byte {
	h := New256(key, s, size)
	h.Write(data)
	return h.Sum(nil)
}

// Equal compares two MACs in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func (k *kmac) Write(p []byte) (int, error) {
	return k.state.Write(p)
}

func (k *kmac) Sum(b []byte) []byte {
	d := k.state.Clone()
	d.Write(rightEncode(uint64(k.size) * 8))
	out := make([]byte, k.size)
	d.Read(out)
	return append(b, out...)
}

func (k *kmac) Reset() {
	k.state = k.initial.Clone()
}

func (k *kmac) Size() int      { return k.size }
func (k *kmac) BlockSize() int { return rate256 }

func leftEncode(x uint64) []byte {
	var buf [9]byte
	binary.BigEndian.PutUint64(buf[1:], x)
	i := 1
	for i < 8 && buf[i] == 0 {
		i++
	}
	buf[i-1] = byte(9 - i)
	return append([]byte(nil), buf[i-1:]...)
}

func rightEncode(x uint64) []byte {
	var buf [9]byte
	binary.BigEndian.PutUint64(buf[:8], x)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	buf[8] = byte(8 - i)
	return append([]byte(nil), buf[i:]...)
}

func encodeString(s []byte) []byte {
	out := leftEncode(uint64(len(s)) * 8)
	return append(out, s...)
}

func bytepad(x []byte, w int) []byte {
	out := leftEncode(uint64(w))
	out = append(out, x...)
	if pad := len(out) % w; pad != 0 {
		out = append(out, make([]byte, w-pad)...)
	}
	return out
}
