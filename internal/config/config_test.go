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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeremyhahn/go-envelope/internal/kms/store"
	"github.com/jeremyhahn/go-envelope/internal/kms/tpm"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kms.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	return path
}

// TestLoad_Success tests successful loading of a valid config file
func TestLoad_Success(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9443
  read_timeout: 5s

logging:
  level: "debug"
  format: "text"

tpm:
  mode: "swtpm"
  host: "localhost"
  port: 2321
  handle_first: 0x81010000
  handle_last: 0x8101FFFF

store:
  type: "leveldb"
  path: "/var/lib/kms/keks"

kek:
  source: "random"

idgen:
  node_id: 7

metrics:
  enabled: false

ratelimit:
  enabled: true
  requests_per_minute: 10
  burst: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:9443" {
		t.Errorf("Server.Addr() = %v, want 127.0.0.1:9443", cfg.Server.Addr())
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 5s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want the 30s default", cfg.Server.ShutdownTimeout)
	}
	if cfg.TPM.Mode != tpm.ModeSWTPM || cfg.TPM.Port != 2321 {
		t.Errorf("TPM = %+v, want swtpm on 2321", cfg.TPM)
	}
	if cfg.TPM.HandleFirst != 0x81010000 || cfg.TPM.HandleLast != 0x8101FFFF {
		t.Errorf("TPM handle range = 0x%08x-0x%08x", cfg.TPM.HandleFirst, cfg.TPM.HandleLast)
	}
	if cfg.Store.Type != store.TypeLevelDB {
		t.Errorf("Store.Type = %v, want leveldb", cfg.Store.Type)
	}
	if cfg.IDGen.NodeID != 7 {
		t.Errorf("IDGen.NodeID = %v, want 7", cfg.IDGen.NodeID)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should be false")
	}
	if cfg.RateLimit.RequestsPerMinute != 10 || cfg.RateLimit.Burst != 2 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, DefaultPort)
	}
	if cfg.TPM.Mode != tpm.ModeDevice || cfg.TPM.DevicePath != "/dev/tpmrm0" {
		t.Errorf("TPM = %+v, want /dev/tpmrm0", cfg.TPM)
	}
	if cfg.TPM.HandleFirst != tpm.PersistentFirst || cfg.TPM.HandleLast != tpm.PersistentLast {
		t.Errorf("TPM handle range = 0x%08x-0x%08x", cfg.TPM.HandleFirst, cfg.TPM.HandleLast)
	}
	if cfg.Store.Type != store.TypeSQLite {
		t.Errorf("Store.Type = %v, want sqlite", cfg.Store.Type)
	}
	if cfg.KEK.Source != "random" {
		t.Errorf("KEK.Source = %v, want random", cfg.KEK.Source)
	}
	if !cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled should default to true")
	}
}

func TestLoad_EnvPath(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 4000\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %v, want 4000", cfg.Server.Port)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "kek:\n  source: passphrase\n")
	t.Setenv("ENVELOPE_KMS_PORT", "5000")
	t.Setenv("ENVELOPE_KMS_LOG_LEVEL", "warn")
	t.Setenv("TPM_DEVICE_PATH", "/dev/tpm0")
	t.Setenv("ENVELOPE_KMS_KEK_PASSPHRASE", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %v, want 5000", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %v, want warn", cfg.Logging.Level)
	}
	if cfg.TPM.DevicePath != "/dev/tpm0" {
		t.Errorf("TPM.DevicePath = %v, want /dev/tpm0", cfg.TPM.DevicePath)
	}
	if cfg.KEK.Passphrase != "from-env" {
		t.Error("KEK.Passphrase should come from the environment")
	}
}

func TestLoad_InvalidPortOverrideIgnored(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("ENVELOPE_KMS_PORT", "not-a-port")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, DefaultPort)
	}
}

func TestLoad_FileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
	if _, err := Load(writeConfig(t, "server: [")); err == nil {
		t.Error("Load() should fail for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"simulator", func(c *Config) { c.TPM.Mode = tpm.ModeSimulator; c.TPM.DevicePath = "" }, ""},
		{"memory store", func(c *Config) { c.Store = store.Config{Type: store.TypeMemory} }, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid port"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"tls without cert", func(c *Config) { c.TLS.Enabled = true }, "cert_file"},
		{"tls without key", func(c *Config) { c.TLS = TLSConfig{Enabled: true, CertFile: "c.pem"} }, "key_file"},
		{"bad tpm mode", func(c *Config) { c.TPM.Mode = "pkcs11" }, "invalid tpm mode"},
		{"device without path", func(c *Config) { c.TPM.DevicePath = "" }, "device_path"},
		{"swtpm without port", func(c *Config) { c.TPM.Mode = tpm.ModeSWTPM }, "swtpm port"},
		{"handle range outside owner", func(c *Config) { c.TPM.HandleFirst = 0x80000000 }, "handle range"},
		{"inverted handle range", func(c *Config) { c.TPM.HandleFirst, c.TPM.HandleLast = 0x81000010, 0x81000001 }, "handle range"},
		{"no handle attempts", func(c *Config) { c.TPM.MaxHandleAttempts = 0 }, "max_handle_attempts"},
		{"bad store", func(c *Config) { c.Store.Type = "postgres" }, "invalid store type"},
		{"store without path", func(c *Config) { c.Store.Path = "" }, "store path"},
		{"bad kek source", func(c *Config) { c.KEK.Source = "hsm" }, "invalid kek source"},
		{"passphrase missing", func(c *Config) { c.KEK.Source = "passphrase" }, "passphrase is required"},
		{"node id", func(c *Config) { c.IDGen.NodeID = 1024 }, "node_id"},
		{"ratelimit", func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }, "requests_per_minute"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
