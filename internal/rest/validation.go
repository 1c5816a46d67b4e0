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

package rest

import (
	"fmt"
	"strconv"
	"unicode/utf8"
)

// maxSecretNameLength bounds secret names carried in requests.
const maxSecretNameLength = 1024

// ValidateKEKID checks that id is a decimal 64-bit identifier.
func ValidateKEKID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: kek is required", ErrInvalidRequest)
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return fmt.Errorf("%w: kek must be a decimal identifier", ErrInvalidRequest)
	}
	return nil
}

// ValidateSecretName rejects names that are not printable UTF-8 or are
// unreasonably long. The name is bound into the wrap as associated data,
// so it is compared byte for byte on unwrap.
func ValidateSecretName(name string) error {
	if len(name) > maxSecretNameLength {
		return fmt.Errorf("%w: secret_name too long (max %d bytes)", ErrInvalidRequest, maxSecretNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: secret_name must be valid UTF-8", ErrInvalidRequest)
	}
	for _, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("%w: secret_name contains control characters", ErrInvalidRequest)
		}
	}
	return nil
}
