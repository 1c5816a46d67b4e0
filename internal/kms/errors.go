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

package kms

import (
	"errors"

	"github.com/jeremyhahn/go-envelope/pkg/kek"
)

var (
	// ErrNoFreeHandle is returned when no persistent handle could be
	// allocated in the configured range.
	ErrNoFreeHandle = errors.New("kms: no free persistent handle")

	// ErrKEKNotFound is returned for an unknown KEK id.
	ErrKEKNotFound = errors.New("kms: KEK not found")

	// ErrTPM wraps failures of TPM commands.
	ErrTPM = errors.New("kms: TPM operation failed")

	// ErrInvalidRequest is returned for malformed inputs.
	ErrInvalidRequest = errors.New("kms: invalid request")

	// ErrAuthentication is returned when a wrapped DEK fails to verify.
	ErrAuthentication = kek.ErrAuthentication

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("kms: service closed")
)

// errorType labels err for metrics.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrNoFreeHandle):
		return "no_free_handle"
	case errors.Is(err, ErrKEKNotFound):
		return "kek_not_found"
	case errors.Is(err, ErrTPM):
		return "tpm"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "internal"
	}
}
