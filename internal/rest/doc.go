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

// Package rest serves the KEK lifecycle service over JSON/HTTP.
//
// # Endpoints
//
//	POST /kek/init   provision a KEK, returns {"id":"<decimal u64>"}
//	POST /wrap       {"dek","secret_name","kek"} -> {"wrapped_dek","nonce","tag"}
//	POST /unwrap     {"wrapped_dek","tag","nonce","secret_name","kek"} -> {"unwrapped_dek"}
//	GET  /status     liveness, empty 200
//	GET  /metrics    Prometheus exposition, when enabled
//
// Byte fields are JSON arrays of integers. Base64 strings are also
// accepted on input.
//
// # Errors
//
// Failures return an ErrorResponse body:
//
//	{"error":"Not Found","message":"KEK not found","code":404}
//
// An unknown KEK is 404 and a malformed request is 400. Every other
// failure is 500, including a DEK that fails authentication, whose message
// is always "secret unavailable".
//
// # Middleware
//
// Requests pass through panic recovery, correlation ids
// (X-Correlation-ID), request logging and Prometheus metrics. POST
// /kek/init is rate limited per client since each call consumes a
// persistent TPM handle.
package rest
