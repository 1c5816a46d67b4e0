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

package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jeremyhahn/go-envelope/pkg/kmsapi"
)

func TestAllow(t *testing.T) {
	limiter := New(&Config{
		Enabled:           true,
		RequestsPerMinute: 60,
		Burst:             5,
	})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("client") {
			t.Errorf("Request %d should be allowed (burst)", i+1)
		}
	}
	if limiter.Allow("client") {
		t.Error("Request should be denied after burst exhausted")
	}
	if !limiter.Allow("other") {
		t.Error("Clients should have independent buckets")
	}
	if limiter.ActiveClients() != 2 {
		t.Errorf("Expected 2 active clients, got %d", limiter.ActiveClients())
	}
}

func TestDisabledLimiter(t *testing.T) {
	limiter := New(nil)
	defer limiter.Stop()

	if limiter.IsEnabled() {
		t.Error("Expected nil config to disable limiting")
	}
	for i := 0; i < 100; i++ {
		if !limiter.Allow("client") {
			t.Fatal("Disabled limiter should allow all requests")
		}
	}
	if err := limiter.Wait(context.Background(), "client"); err != nil {
		t.Errorf("Disabled limiter Wait returned %v", err)
	}
}

func TestWait_ContextCanceled(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerMinute: 1, Burst: 1})
	defer limiter.Stop()

	if !limiter.Allow("client") {
		t.Fatal("First request should be allowed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx, "client"); err == nil {
		t.Error("Expected Wait to fail when the deadline precedes the next token")
	}
}

func TestCleanup(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerMinute: 60, MaxIdle: time.Millisecond})
	defer limiter.Stop()

	limiter.Allow("client")
	time.Sleep(5 * time.Millisecond)
	limiter.cleanup()

	if limiter.ActiveClients() != 0 {
		t.Errorf("Expected idle client to be removed, got %d", limiter.ActiveClients())
	}
}

func TestStop_Idempotent(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerMinute: 60})
	limiter.Stop()
	limiter.Stop()
}

func TestMiddleware(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerMinute: 60, Burst: 2})
	defer limiter.Stop()

	handler := Middleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/kek/init", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Different source ports share one bucket.
	for i, addr := range []string{"10.0.0.1:1000", "10.0.0.1:1001"} {
		if rec := send(addr); rec.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := send("10.0.0.1:1002")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}
	var body kmsapi.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Expected JSON error body: %v", err)
	}
	if body.Code != http.StatusTooManyRequests {
		t.Errorf("Expected code 429 in body, got %d", body.Code)
	}

	if rec := send("10.0.0.2:1000"); rec.Code != http.StatusOK {
		t.Errorf("Expected other client to be allowed, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{"remote addr", false, nil, "192.0.2.1:5555", "192.0.2.1"},
		{"untrusted xff ignored", false, map[string]string{"X-Forwarded-For": "203.0.113.9"}, "192.0.2.1:5555", "192.0.2.1"},
		{"trusted xff first hop", true, map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "192.0.2.1:5555", "203.0.113.9"},
		{"trusted real ip", true, map[string]string{"X-Real-IP": "203.0.113.7"}, "192.0.2.1:5555", "203.0.113.7"},
		{"no port", false, nil, "192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(&Config{TrustProxyHeaders: tt.trustProxy})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := l.clientIP(req); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}
