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
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jeremyhahn/go-envelope/internal/kms"
	"github.com/jeremyhahn/go-envelope/pkg/adapters/logger"
	"github.com/jeremyhahn/go-envelope/pkg/crypto/aesgcm"
	"github.com/jeremyhahn/go-envelope/pkg/kmsapi"
	"github.com/jeremyhahn/go-envelope/pkg/securebuf"
)

// maxRequestBody bounds request bodies. The largest legitimate body is an
// unwrap request of a few hundred bytes.
const maxRequestBody = 64 << 10

// KMS is the service the handlers call. *kms.Service implements it.
type KMS interface {
	InitKEK(ctx context.Context) (string, error)
	WrapDEK(ctx context.Context, kekID string, dek []byte, name string) (*kms.WrapResult, error)
	UnwrapDEK(ctx context.Context, kekID string, wrapped []byte, nonce [aesgcm.NonceSize]byte, tag [aesgcm.TagSize]byte, name string) (*securebuf.Buffer, error)
	Status(ctx context.Context) error
}

// HandlerContext holds dependencies for REST handlers.
type HandlerContext struct {
	service KMS
	logger  logger.Logger
}

// NewHandlerContext creates a new handler context.
func NewHandlerContext(service KMS, log logger.Logger) *HandlerContext {
	return &HandlerContext{service: service, logger: log}
}

func (h *HandlerContext) fail(r *http.Request, w http.ResponseWriter, op string, err error) {
	status := mapErrorToStatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "KMS request failed",
			logger.String("operation", op), logger.Error(err))
	} else {
		h.logger.DebugContext(r.Context(), "KMS request rejected",
			logger.String("operation", op), logger.Error(err))
	}
	handleError(w, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// InitKEKHandler provisions a KEK.
func (h *HandlerContext) InitKEKHandler(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.InitKEK(r.Context())
	if err != nil {
		h.fail(r, w, "init_kek", err)
		return
	}
	writeJSON(w, kmsapi.InitKEKResponse{ID: id}, http.StatusOK)
}

// WrapHandler wraps a DEK under a KEK.
func (h *HandlerContext) WrapHandler(w http.ResponseWriter, r *http.Request) {
	var req kmsapi.WrapRequest
	err := decode(w, r, &req)
	defer req.DEK.Wipe()
	if err == nil {
		err = ValidateKEKID(req.KEK)
	}
	if err == nil {
		err = ValidateSecretName(req.SecretName)
	}
	if err != nil {
		h.fail(r, w, "wrap", err)
		return
	}

	res, err := h.service.WrapDEK(r.Context(), req.KEK, req.DEK, req.SecretName)
	if err != nil {
		h.fail(r, w, "wrap", err)
		return
	}
	writeJSON(w, kmsapi.WrapResponse{
		WrappedDEK: res.Ciphertext,
		Nonce:      res.Nonce[:],
		Tag:        res.Tag[:],
	}, http.StatusOK)
}

// UnwrapHandler recovers a DEK wrapped by WrapHandler.
func (h *HandlerContext) UnwrapHandler(w http.ResponseWriter, r *http.Request) {
	var req kmsapi.UnwrapRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(r, w, "unwrap", err)
		return
	}
	if err := ValidateKEKID(req.KEK); err != nil {
		h.fail(r, w, "unwrap", err)
		return
	}
	if err := ValidateSecretName(req.SecretName); err != nil {
		h.fail(r, w, "unwrap", err)
		return
	}
	nonce, err := req.Nonce.Nonce()
	if err != nil {
		h.fail(r, w, "unwrap", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	tag, err := req.Tag.Tag()
	if err != nil {
		h.fail(r, w, "unwrap", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	dek, err := h.service.UnwrapDEK(r.Context(), req.KEK, req.WrappedDEK, nonce, tag, req.SecretName)
	if err != nil {
		h.fail(r, w, "unwrap", err)
		return
	}
	defer dek.Destroy()
	writeJSON(w, kmsapi.UnwrapResponse{UnwrappedDEK: dek.Bytes()}, http.StatusOK)
}

// StatusHandler reports liveness with an empty 200.
func (h *HandlerContext) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Status(r.Context()); err != nil {
		h.fail(r, w, "status", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
