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

package kek

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jeremyhahn/go-envelope/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-envelope/pkg/adapters/logger"
	"github.com/jeremyhahn/go-envelope/pkg/storage"
)

// Config selects and configures a provider.
type Config struct {
	Kind   Kind
	Local  LocalConfig
	Remote RemoteConfig
	Logger logger.Logger
}

// LocalConfig configures the passphrase provider.
type LocalConfig struct {
	Passphrase string

	// Storage holds the persisted key record. Required.
	Storage storage.Backend

	// Params overrides the Argon2id cost parameters. Tests use this to
	// keep derivation fast.
	Params *kdf.KDFParams
}

// RemoteConfig configures the KMS client.
type RemoteConfig struct {
	URL string

	// KEKID is used by WrapDEK when no id is given in the context.
	KEKID string

	Timeout time.Duration

	// TLS settings for https URLs. CertFile and KeyFile enable mTLS.
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string

	// HTTPClient replaces the built-in client when set.
	HTTPClient *http.Client
}

// Factory builds a provider from cfg.
type Factory func(ctx context.Context, cfg Config) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Factory{}
)

// Register makes a provider kind available to New. Implementations call it
// from init.
func Register(kind Kind, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("kek: Register factory is nil")
	}
	if _, dup := registry[kind]; dup {
		panic("kek: Register called twice for " + kind.String())
	}
	registry[kind] = f
}

// Kinds lists the registered provider kinds.
func Kinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New builds the provider named by cfg.Kind.
func New(ctx context.Context, cfg Config) (Provider, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return f(ctx, cfg)
}

type kekIDKey struct{}

// WithKEKID selects the KEK a remote provider wraps under for calls made
// with the returned context.
func WithKEKID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, kekIDKey{}, id)
}

// KEKIDFromContext returns the KEK id set by WithKEKID.
func KEKIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(kekIDKey{}).(string)
	return id, ok && id != ""
}
