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
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/jeremyhahn/go-envelope/internal/kms"
	"github.com/jeremyhahn/go-envelope/pkg/kmsapi"
)

// Common errors
var (
	ErrInvalidRequest = errors.New("invalid request")
)

// ErrorResponse is the JSON body of every error.
type ErrorResponse = kmsapi.ErrorResponse

// writeError writes an error response to the client.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		log.Printf("Failed to encode error response: %v", encErr)
	}
}

// mapErrorToStatusCode maps errors to HTTP status codes.
func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, kms.ErrKEKNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, kms.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is the client-visible description of err. Internal
// details stay in the server log.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, kms.ErrAuthentication):
		return "secret unavailable"
	case errors.Is(err, kms.ErrKEKNotFound):
		return "KEK not found"
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, kms.ErrInvalidRequest):
		return err.Error()
	case errors.Is(err, kms.ErrNoFreeHandle):
		return "no free persistent handle"
	case errors.Is(err, kms.ErrClosed):
		return "service unavailable"
	default:
		return "internal error"
	}
}

// handleError maps err to a status code and writes the error response.
func handleError(w http.ResponseWriter, err error) {
	writeError(w, mapErrorToStatusCode(err), publicMessage(err))
}

// writeJSON writes a JSON response with the given status code. The
// encoded body is wiped after writing since it may carry key material.
func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	body, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer clear(body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		log.Printf("Failed to write JSON response: %v", err)
	}
}
