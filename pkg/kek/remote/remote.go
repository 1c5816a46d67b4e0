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

// Package remote implements a KEK provider backed by the TPM KMS. It holds
// no key material itself; every wrap and unwrap is a round trip to the KMS.
// Requests are not retried.
package remote

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/jeremyhahn/go-envelope/pkg/adapters/logger"
	"github.com/jeremyhahn/go-envelope/pkg/dek"
	"github.com/jeremyhahn/go-envelope/pkg/kek"
	"github.com/jeremyhahn/go-envelope/pkg/kmsapi"
)

func init() {
	kek.Register(kek.KindRemote, func(ctx context.Context, cfg kek.Config) (kek.Provider, error) {
		return New(cfg.Remote, cfg.Logger)
	})
}

// Provider is a kek.Provider that calls the KMS over HTTP.
type Provider struct {
	client *client
	kekID  string
	log    logger.Logger
}

// New creates a remote provider. No request is made until first use.
func New(cfg kek.RemoteConfig, log logger.Logger) (*Provider, error) {
	if log == nil {
		log = logger.NewNop()
	}
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Provider{client: c, kekID: cfg.KEKID, log: log}, nil
}

// IsLoopback reports whether the configured KMS URL names this host. The
// KMS is meant to run on separate hardware from its clients.
func IsLoopback(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		u, err = url.Parse("http://" + rawURL)
		if err != nil {
			return false
		}
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// InitNewKEK provisions a KEK on the KMS and returns its id.
func (p *Provider) InitNewKEK(ctx context.Context) (string, error) {
	var resp kmsapi.InitKEKResponse
	if err := p.client.do(ctx, http.MethodPost, kmsapi.PathInitKEK, nil, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: kms returned an empty KEK id", kek.ErrProvider)
	}
	p.log.InfoContext(ctx, "provisioned remote KEK", logger.String("kek_id", resp.ID))
	return resp.ID, nil
}

// WrapDEK sends d to the KMS for wrapping and destroys d. The KEK is the
// one named by kek.WithKEKID on ctx, else the configured default.
func (p *Provider) WrapDEK(ctx context.Context, d *dek.Dek, name string) (*kek.WrappedDEK, error) {
	defer d.Destroy()
	if d.Destroyed() {
		return nil, dek.ErrDestroyed
	}
	kekID := p.kekID
	if id, ok := kek.KEKIDFromContext(ctx); ok {
		kekID = id
	}
	if kekID == "" {
		return nil, fmt.Errorf("%w: no KEK id configured", kek.ErrInvalidConfig)
	}

	req := kmsapi.WrapRequest{
		DEK:        kmsapi.Bytes(append([]byte(nil), d.Bytes()...)),
		SecretName: name,
		KEK:        kekID,
	}
	defer req.DEK.Wipe()

	var resp kmsapi.WrapResponse
	if err := p.client.do(ctx, http.MethodPost, kmsapi.PathWrap, req, &resp); err != nil {
		return nil, err
	}

	if len(resp.WrappedDEK) != dek.Size {
		return nil, fmt.Errorf("%w: kms returned a %d-byte wrapped DEK", kek.ErrProvider, len(resp.WrappedDEK))
	}
	nonce, err := resp.Nonce.Nonce()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kek.ErrProvider, err)
	}
	tag, err := resp.Tag.Tag()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kek.ErrProvider, err)
	}
	return &kek.WrappedDEK{
		Ciphertext: resp.WrappedDEK,
		Nonce:      nonce,
		Tag:        tag,
		KEKID:      kekID,
	}, nil
}

// UnwrapDEK asks the KMS to open w. Any failure, including a rejected tag,
// comes back wrapped in kek.ErrProvider.
func (p *Provider) UnwrapDEK(ctx context.Context, w *kek.WrappedDEK, name string) (*dek.Dek, error) {
	if w == nil {
		return nil, kek.ErrAuthentication
	}
	kekID := w.KEKID
	if kekID == "" {
		kekID = p.kekID
	}

	req := kmsapi.UnwrapRequest{
		WrappedDEK: w.Ciphertext,
		Tag:        w.Tag[:],
		Nonce:      w.Nonce[:],
		SecretName: name,
		KEK:        kekID,
	}
	var resp kmsapi.UnwrapResponse
	if err := p.client.do(ctx, http.MethodPost, kmsapi.PathUnwrap, req, &resp); err != nil {
		return nil, err
	}

	d, err := dek.FromBytes(resp.UnwrappedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kek.ErrProvider, err)
	}
	return d, nil
}

// Status probes the KMS liveness endpoint.
func (p *Provider) Status(ctx context.Context) error {
	return p.client.do(ctx, http.MethodGet, kmsapi.PathStatus, nil, nil)
}

// Kind reports kek.KindRemote.
func (p *Provider) Kind() kek.Kind { return kek.KindRemote }

// Close drops idle connections.
func (p *Provider) Close() error {
	p.client.close()
	return nil
}
