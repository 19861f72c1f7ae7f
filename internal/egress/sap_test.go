// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package egress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/config"
)

func sapMessage() *bridge.Message {
	return &bridge.Message{
		Source:      bridge.SourceMQTT,
		Destination: bridge.DestSAP,
		TopicOrNode: "plant/orders/confirm",
		Value:       "42",
		DataType:    bridge.TypeInt32,
		CreatedAt:   time.Now().UTC(),
	}
}

func sapConfig(endpoint string) config.SAPConfig {
	return config.SAPConfig{
		Enabled:  true,
		Endpoint: endpoint,
		TimeoutS: 5,
	}
}

func TestSAPDeliverPostsPayload(t *testing.T) {
	t.Parallel()
	var got sapPayload
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewSAPConnector(sapConfig(srv.URL))
	if err := c.Deliver(context.Background(), sapMessage()); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if path != "/plant/orders/confirm" {
		t.Errorf("posted path = %q", path)
	}
	if got.Value != "42" || got.DataType != "Int32" || got.Source != "mqtt" {
		t.Errorf("payload = %+v", got)
	}
}

func TestSAPDeliverBasicAuth(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "plant" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := sapConfig(srv.URL)
	cfg.Auth = config.SAPAuthConfig{Type: "basic", Username: "plant", Password: "secret"}
	c := NewSAPConnector(cfg)
	if err := c.Deliver(context.Background(), sapMessage()); err != nil {
		t.Fatalf("Deliver() with basic auth error = %v", err)
	}
}

func TestSAPDeliverOAuth2CachesToken(t *testing.T) {
	t.Parallel()
	var tokenCalls atomic.Int32
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		if r.FormValue("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-1", "expires_in": 3600,
		})
	}))
	defer auth.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := sapConfig(srv.URL)
	cfg.Auth = config.SAPAuthConfig{
		Type: "oauth2", TokenURL: auth.URL, ClientID: "bridge", ClientSecret: "s",
	}
	c := NewSAPConnector(cfg)

	for i := 0; i < 3; i++ {
		if err := c.Deliver(context.Background(), sapMessage()); err != nil {
			t.Fatalf("Deliver() #%d error = %v", i, err)
		}
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Errorf("token endpoint called %d times, want 1 (cached)", n)
	}
}

func TestSAPDeliverClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status        int
		wantRetryable bool
		wantPermanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusBadRequest, false, true},
		{http.StatusNotFound, false, true},
		{http.StatusRequestTimeout, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusBadGateway, true, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewSAPConnector(sapConfig(srv.URL))
			err := c.Deliver(context.Background(), sapMessage())
			switch {
			case tt.wantRetryable && !bridge.IsRetryableError(err):
				t.Errorf("status %d: error = %v, want retryable", tt.status, err)
			case tt.wantPermanent && !bridge.IsPermanentError(err):
				t.Errorf("status %d: error = %v, want permanent", tt.status, err)
			case !tt.wantRetryable && !tt.wantPermanent && err != nil:
				t.Errorf("status %d: error = %v, want success", tt.status, err)
			}
		})
	}
}

func TestSAPBreakerOpensOnConsecutiveFailures(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewSAPConnector(sapConfig(srv.URL))
	for i := 0; i < 8; i++ {
		err := c.Deliver(context.Background(), sapMessage())
		if !bridge.IsRetryableError(err) {
			t.Fatalf("Deliver() #%d error = %v, want retryable", i, err)
		}
	}
	// After five consecutive failures the breaker opens and stops hitting
	// the endpoint.
	if n := hits.Load(); n != 5 {
		t.Errorf("endpoint hit %d times, want 5 before the breaker opened", n)
	}
}

func TestSAPFetch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/plant/stock/level" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"value": "1250"})
	}))
	defer srv.Close()

	c := NewSAPConnector(sapConfig(srv.URL))
	got, err := c.Fetch(context.Background(), "plant/stock/level")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got != "1250" {
		t.Errorf("Fetch() = %q, want 1250", got)
	}
	if _, err := c.Fetch(context.Background(), "missing"); err == nil {
		t.Error("Fetch() of missing resource succeeded")
	}
}
