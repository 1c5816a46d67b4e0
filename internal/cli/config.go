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

package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-envelope/pkg/adapters/logger"
	"github.com/jeremyhahn/go-envelope/pkg/kek"
	"github.com/jeremyhahn/go-envelope/pkg/kek/remote"
	"github.com/jeremyhahn/go-envelope/pkg/storage"
	"github.com/jeremyhahn/go-envelope/pkg/storage/file"

	// Registers the local provider with kek.New.
	_ "github.com/jeremyhahn/go-envelope/pkg/kek/local"
)

// Configuration keys. Each is settable from the config file, an
// ENVELOPE_* environment variable or the matching flag.
const (
	keyProvider        = "provider"
	keyDataDir         = "data_dir"
	keyPassphrase      = "passphrase"
	keyKMSURL          = "kms.url"
	keyKEKID           = "kms.kek_id"
	keyTimeout         = "kms.timeout"
	keyTLSCA           = "kms.tls_ca"
	keyTLSCert         = "kms.tls_cert"
	keyTLSKey          = "kms.tls_key"
	keyAllowColocation = "allow_kms_colocation"
	keyOutput          = "output"
	keyVerbose         = "verbose"
)

// Config holds global CLI configuration
type Config struct {
	// Provider selects the KEK provider (local or remote)
	Provider kek.Kind

	// DataDir holds sealed secrets and the local KEK record
	DataDir string

	// Passphrase unlocks the local provider
	Passphrase string

	// KMSURL is the address of the KMS used by the remote provider
	KMSURL string

	// KEKID is the KEK new secrets are wrapped under
	KEKID string

	Timeout time.Duration

	TLSCACert string
	TLSCert   string
	TLSKey    string

	// AllowColocation silences the warning for a KMS on this host
	AllowColocation bool

	// OutputFormat controls output formatting (json, text)
	OutputFormat string

	// Verbose enables debug logging
	Verbose bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyProvider, string(kek.KindRemote))
	v.SetDefault(keyDataDir, ".envelope")
	v.SetDefault(keyKMSURL, "http://localhost:2323")
	v.SetDefault(keyTimeout, 30*time.Second)
	v.SetDefault(keyOutput, string(OutputFormatText))
}

// loadConfig reads v into a Config and validates it.
func loadConfig(v *viper.Viper) (*Config, error) {
	kind, err := kek.ParseKind(v.GetString(keyProvider))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Provider:        kind,
		DataDir:         v.GetString(keyDataDir),
		Passphrase:      v.GetString(keyPassphrase),
		KMSURL:          v.GetString(keyKMSURL),
		KEKID:           v.GetString(keyKEKID),
		Timeout:         v.GetDuration(keyTimeout),
		TLSCACert:       v.GetString(keyTLSCA),
		TLSCert:         v.GetString(keyTLSCert),
		TLSKey:          v.GetString(keyTLSKey),
		AllowColocation: v.GetBool(keyAllowColocation),
		OutputFormat:    strings.ToLower(v.GetString(keyOutput)),
		Verbose:         v.GetBool(keyVerbose),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the selected provider needs.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch OutputFormat(c.OutputFormat) {
	case OutputFormatText, OutputFormatJSON:
	default:
		return fmt.Errorf("unknown output format: %s", c.OutputFormat)
	}
	switch c.Provider {
	case kek.KindLocal:
		if c.Passphrase == "" {
			return fmt.Errorf("the local provider requires a passphrase (--passphrase or ENVELOPE_PASSPHRASE)")
		}
	case kek.KindRemote:
		if c.KMSURL == "" {
			return fmt.Errorf("the remote provider requires kms.url")
		}
	}
	return nil
}

// newLogger writes warnings and errors to w, and debug output too when
// verbose.
func (c *Config) newLogger(w io.Writer) logger.Logger {
	level := logger.LevelWarn
	if c.Verbose {
		level = logger.LevelDebug
	}
	return logger.NewSlogAdapter(&logger.SlogConfig{Level: level, Format: "text", Output: w})
}

// openStorage opens the secret and key record store under DataDir.
func (c *Config) openStorage() (storage.Backend, error) {
	return file.New(filepath.Clean(c.DataDir))
}

// ProviderConfig builds the kek.Config for the selected provider.
func (c *Config) ProviderConfig(store storage.Backend, log logger.Logger) kek.Config {
	return kek.Config{
		Kind: c.Provider,
		Local: kek.LocalConfig{
			Passphrase: c.Passphrase,
			Storage:    store,
		},
		Remote: kek.RemoteConfig{
			URL:         c.KMSURL,
			KEKID:       c.KEKID,
			Timeout:     c.Timeout,
			TLSCAFile:   c.TLSCACert,
			TLSCertFile: c.TLSCert,
			TLSKeyFile:  c.TLSKey,
		},
		Logger: log,
	}
}

// openProvider builds the configured provider. A KMS on this host is
// allowed but logged, since the KEK then shares a machine with the data it
// protects.
func (c *Config) openProvider(ctx context.Context, store storage.Backend, log logger.Logger) (kek.Provider, error) {
	if c.Provider == kek.KindRemote && remote.IsLoopback(c.KMSURL) && !c.AllowColocation {
		log.Warn("the KMS is on this host; run it on separate hardware or set allow_kms_colocation",
			logger.String("kms_url", c.KMSURL))
	}
	p, err := kek.New(ctx, c.ProviderConfig(store, log))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", c.Provider, err)
	}
	return p, nil
}
