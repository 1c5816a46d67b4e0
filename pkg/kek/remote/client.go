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

package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jeremyhahn/go-envelope/pkg/correlation"
	"github.com/jeremyhahn/go-envelope/pkg/kek"
	"github.com/jeremyhahn/go-envelope/pkg/kmsapi"
)

const (
	defaultTimeout = 30 * time.Second

	// maxResponseSize bounds KMS responses; the largest is a few hundred
	// bytes.
	maxResponseSize = 1 << 20
)

// RemoteError is a non-2xx response from the KMS.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("kms returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("kms returned %d (%s)", e.Status, e.Code)
}

// client is the JSON/HTTP transport to the KMS.
type client struct {
	httpClient *http.Client
	baseURL    string
}

func newClient(cfg kek.RemoteConfig) (*client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: remote provider requires a KMS URL", kek.ErrInvalidConfig)
	}

	baseURL := cfg.URL
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		if cfg.TLSCAFile != "" || cfg.TLSCertFile != "" {
			baseURL = "https://" + baseURL
		} else {
			baseURL = "http://" + baseURL
		}
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if cfg.HTTPClient != nil {
		return &client{httpClient: cfg.HTTPClient, baseURL: baseURL}, nil
	}

	tlsConfig, err := loadTLS(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		baseURL: baseURL,
	}, nil
}

func loadTLS(cfg kek.RemoteConfig) (*tls.Config, error) {
	if cfg.TLSCAFile == "" && cfg.TLSCertFile == "" {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSCAFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read CA certificate: %v", kek.ErrInvalidConfig, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("%w: parse CA certificate", kek.ErrInvalidConfig)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: load client certificate: %v", kek.ErrInvalidConfig, err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// do sends body as JSON and decodes a 2xx response into out. The encoded
// request is wiped after sending since it may carry a raw DEK.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", kek.ErrProvider, err)
		}
		defer clear(encoded)
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", kek.ErrProvider, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	correlation.SetHeader(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %v", kek.ErrProvider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", kek.ErrProvider, err)
	}
	defer clear(respBody)

	if resp.StatusCode >= 400 {
		remoteErr := &RemoteError{Status: resp.StatusCode}
		var errResp kmsapi.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil {
			remoteErr.Code = errResp.Error
			remoteErr.Message = errResp.Message
		}
		return fmt.Errorf("%w: %w", kek.ErrProvider, remoteErr)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", kek.ErrProvider, err)
	}
	return nil
}

func (c *client) close() {
	c.httpClient.CloseIdleConnections()
}
