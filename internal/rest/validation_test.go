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
	"errors"
	"strings"
	"testing"
)

func TestValidateKEKID(t *testing.T) {
	valid := []string{"1", "1846205541021741056", "18446744073709551615"}
	for _, id := range valid {
		if err := ValidateKEKID(id); err != nil {
			t.Errorf("ValidateKEKID(%q) error = %v", id, err)
		}
	}

	invalid := []string{"", "abc", "-1", "18446744073709551616", "1.5", "../1"}
	for _, id := range invalid {
		err := ValidateKEKID(id)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("ValidateKEKID(%q) error = %v, want ErrInvalidRequest", id, err)
		}
	}
}

func TestValidateSecretName(t *testing.T) {
	valid := []string{"", "demo", "db/prod/password", "ключ"}
	for _, name := range valid {
		if err := ValidateSecretName(name); err != nil {
			t.Errorf("ValidateSecretName(%q) error = %v", name, err)
		}
	}

	invalid := []string{"a\x00b", "line\nbreak", "\xff\xfe", strings.Repeat("x", maxSecretNameLength+1)}
	for _, name := range invalid {
		if err := ValidateSecretName(name); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("ValidateSecretName(%q) error = %v, want ErrInvalidRequest", name, err)
		}
	}
}
