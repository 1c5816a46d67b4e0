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
	"crypto/tls"
	"testing"

	"github.com/jeremyhahn/go-envelope/internal/testutil"
)

func writeServerCert(t *testing.T) (testutil.Files, string) {
	t.Helper()
	ca, err := testutil.GenerateTestCA()
	if err != nil {
		t.Fatalf("Failed to generate CA: %v", err)
	}
	serverCert, err := testutil.GenerateTestServerCert(ca, "localhost")
	if err != nil {
		t.Fatalf("Failed to generate server cert: %v", err)
	}
	dir := t.TempDir()
	files, err := serverCert.WriteFiles(dir, "server")
	if err != nil {
		t.Fatalf("Failed to write server cert: %v", err)
	}
	caFile, err := ca.WriteCA(dir)
	if err != nil {
		t.Fatalf("Failed to write CA: %v", err)
	}
	return files, caFile
}

func TestLoadTLSConfig_Disabled(t *testing.T) {
	cfg := &TLSConfig{Enabled: false}
	tlsConfig, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v, want nil", err)
	}
	if tlsConfig != nil {
		t.Error("LoadTLSConfig() should return nil when disabled")
	}
}

func TestLoadTLSConfig_Success(t *testing.T) {
	files, _ := writeServerCert(t)
	cfg := &TLSConfig{Enabled: true, CertFile: files.CertFile, KeyFile: files.KeyFile}

	tlsConfig, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v, want nil", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("len(Certificates) = %v, want 1", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %v, want TLS 1.2", tlsConfig.MinVersion)
	}
	if tlsConfig.ClientAuth != tls.NoClientCert {
		t.Errorf("ClientAuth = %v, want NoClientCert", tlsConfig.ClientAuth)
	}
}

func TestLoadTLSConfig_MutualTLS(t *testing.T) {
	files, caFile := writeServerCert(t)
	cfg := &TLSConfig{
		Enabled:    true,
		CertFile:   files.CertFile,
		KeyFile:    files.KeyFile,
		CAFile:     caFile,
		ClientAuth: "require_and_verify",
		MinVersion: "TLS1.3",
	}

	tlsConfig, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v, want nil", err)
	}
	if tlsConfig.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", tlsConfig.ClientAuth)
	}
	if tlsConfig.ClientCAs == nil {
		t.Error("ClientCAs should be loaded")
	}
	if tlsConfig.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %v, want TLS 1.3", tlsConfig.MinVersion)
	}
}

func TestLoadTLSConfig_Errors(t *testing.T) {
	files, _ := writeServerCert(t)
	tests := []struct {
		name string
		cfg  TLSConfig
	}{
		{"missing cert", TLSConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: files.KeyFile}},
		{"missing key", TLSConfig{Enabled: true, CertFile: files.CertFile, KeyFile: "/nonexistent/key.pem"}},
		{"bad version", TLSConfig{Enabled: true, CertFile: files.CertFile, KeyFile: files.KeyFile, MinVersion: "TLS1.0"}},
		{"bad client auth", TLSConfig{Enabled: true, CertFile: files.CertFile, KeyFile: files.KeyFile, ClientAuth: "sometimes"}},
		{"missing CA", TLSConfig{Enabled: true, CertFile: files.CertFile, KeyFile: files.KeyFile, ClientAuth: "verify", CAFile: "/nonexistent/ca.pem"}},
		{"CA not PEM", TLSConfig{Enabled: true, CertFile: files.CertFile, KeyFile: files.KeyFile, ClientAuth: "verify", CAFile: files.KeyFile}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.cfg.LoadTLSConfig(); err == nil {
				t.Error("LoadTLSConfig() should return an error")
			}
		})
	}
}

func TestParseClientAuthType(t *testing.T) {
	tests := map[string]tls.ClientAuthType{
		"":                   tls.NoClientCert,
		"none":               tls.NoClientCert,
		"request":            tls.RequestClientCert,
		"require":            tls.RequireAnyClientCert,
		"verify":             tls.VerifyClientCertIfGiven,
		"require_and_verify": tls.RequireAndVerifyClientCert,
	}
	for in, want := range tests {
		got, err := parseClientAuthType(in)
		if err != nil {
			t.Errorf("parseClientAuthType(%q) error = %v", in, err)
		}
		if got != want {
			t.Errorf("parseClientAuthType(%q) = %v, want %v", in, got, want)
		}
	}
}
