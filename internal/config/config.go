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

// Package config loads the KMS server configuration from YAML.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-envelope/internal/kms"
	"github.com/jeremyhahn/go-envelope/internal/kms/store"
	"github.com/jeremyhahn/go-envelope/internal/kms/tpm"
	"github.com/jeremyhahn/go-envelope/pkg/ratelimit"
)

// EnvConfigPath names the environment variable that overrides the config
// file path.
const EnvConfigPath = "ENVELOPE_KMS_CONFIG"

// DefaultPort is the port the KMS listens on.
const DefaultPort = 2323

// Config represents the complete KMS server configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	TLS       TLSConfig        `yaml:"tls"`
	TPM       TPMConfig        `yaml:"tpm"`
	Store     store.Config     `yaml:"store"`
	KEK       KEKConfig        `yaml:"kek"`
	IDGen     IDGenConfig      `yaml:"idgen"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
}

// ServerConfig contains listener settings
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TPMConfig selects the TPM and the persistent handle range KEK parents
// are allocated from.
type TPMConfig struct {
	Mode       tpm.Mode `yaml:"mode"`
	DevicePath string   `yaml:"device_path"`
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`

	HandleFirst       uint32 `yaml:"handle_first"`
	HandleLast        uint32 `yaml:"handle_last"`
	MaxHandleAttempts int    `yaml:"max_handle_attempts"`
}

// Device returns the tpm.Open settings.
func (t TPMConfig) Device() tpm.Config {
	return tpm.Config{Mode: t.Mode, DevicePath: t.DevicePath, Host: t.Host, Port: t.Port}
}

// KEKConfig selects where new KEK material comes from.
type KEKConfig struct {
	// Source is "random" or "passphrase".
	Source string `yaml:"source"`

	// Passphrase is required by the passphrase source.
	Passphrase string `yaml:"passphrase"`
}

// IDGenConfig configures KEK id generation.
type IDGenConfig struct {
	NodeID int64 `yaml:"node_id"`
}

// MetricsConfig controls the metrics endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration that runs against /dev/tpmrm0 with a
// sqlite store in the working directory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            DefaultPort,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		TPM: TPMConfig{
			Mode:              tpm.ModeDevice,
			DevicePath:        "/dev/tpmrm0",
			HandleFirst:       tpm.PersistentFirst,
			HandleLast:        tpm.PersistentLast,
			MaxHandleAttempts: kms.DefaultMaxHandleAttempts,
		},
		Store: store.Config{Type: store.TypeSQLite, Path: "kms.db"},
		KEK:   KEKConfig{Source: kms.SourceRandom},
		IDGen: IDGenConfig{NodeID: 1},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		RateLimit: ratelimit.Config{
			Enabled:           true,
			RequestsPerMinute: 60,
			Burst:             10,
		},
	}
}

// Load reads configuration from a YAML file over the defaults and applies
// environment variable overrides. An empty path uses $ENVELOPE_KMS_CONFIG,
// and defaults alone when that is unset too.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()
	if path != "" {
		// #nosec G304 - Config file path is provided by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("ENVELOPE_KMS_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if v := os.Getenv("ENVELOPE_KMS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			log.Printf("Warning: invalid ENVELOPE_KMS_PORT value %q, using %d", v, cfg.Server.Port)
		} else {
			cfg.Server.Port = port
		}
	}
	if level := os.Getenv("ENVELOPE_KMS_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("ENVELOPE_KMS_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if path := os.Getenv("TPM_DEVICE_PATH"); path != "" {
		cfg.TPM.DevicePath = path
	}
	if path := os.Getenv("ENVELOPE_KMS_STORE_PATH"); path != "" {
		cfg.Store.Path = path
	}
	if key := os.Getenv("ENVELOPE_KMS_STORE_KEY"); key != "" {
		cfg.Store.EncryptionKey = key
	}
	if pass := os.Getenv("ENVELOPE_KMS_KEK_PASSPHRASE"); pass != "" {
		cfg.KEK.Passphrase = pass
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key_file is required when TLS is enabled")
		}
	}

	switch c.TPM.Mode {
	case tpm.ModeDevice:
		if c.TPM.DevicePath == "" {
			return fmt.Errorf("tpm device_path is required in device mode")
		}
	case tpm.ModeSWTPM:
		if c.TPM.Port < 1 || c.TPM.Port > 65534 {
			return fmt.Errorf("invalid swtpm port: %d", c.TPM.Port)
		}
	case tpm.ModeSimulator:
	default:
		return fmt.Errorf("invalid tpm mode: %q (must be device, swtpm, or simulator)", c.TPM.Mode)
	}
	if c.TPM.HandleFirst < tpm.PersistentFirst || c.TPM.HandleLast > tpm.PersistentLast ||
		c.TPM.HandleFirst > c.TPM.HandleLast {
		return fmt.Errorf("tpm handle range 0x%08x-0x%08x is outside 0x%08x-0x%08x",
			c.TPM.HandleFirst, c.TPM.HandleLast, tpm.PersistentFirst, tpm.PersistentLast)
	}
	if c.TPM.MaxHandleAttempts < 1 {
		return fmt.Errorf("tpm max_handle_attempts must be positive")
	}

	switch c.Store.Type {
	case store.TypeSQLite, store.TypeLevelDB, store.TypeFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for %s", c.Store.Type)
		}
	case store.TypeMemory:
	default:
		return fmt.Errorf("invalid store type: %q", c.Store.Type)
	}

	switch strings.ToLower(c.KEK.Source) {
	case kms.SourceRandom:
	case kms.SourcePassphrase:
		if c.KEK.Passphrase == "" {
			return fmt.Errorf("kek passphrase is required for the passphrase source")
		}
	default:
		return fmt.Errorf("invalid kek source: %q (must be random or passphrase)", c.KEK.Source)
	}

	if c.IDGen.NodeID < 0 || c.IDGen.NodeID > 1023 {
		return fmt.Errorf("idgen node_id must be in 0-1023")
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("ratelimit requests_per_minute must be positive when enabled")
	}
	return nil
}
