// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package egress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/config"
	"github.com/puente-io/puente/internal/logging"
	"github.com/puente-io/puente/internal/metrics"
)

// SAPConnector pushes buffered messages to a SAP plant-integration endpoint
// over HTTP. A circuit breaker sheds load while the endpoint is down so a
// long outage does not burn the retry budget of every queued message.
type SAPConnector struct {
	cfg     config.SAPConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewSAPConnector builds the connector from configuration.
func NewSAPConnector(cfg config.SAPConfig) *SAPConnector {
	settings := gobreaker.Settings{
		Name:    "sap",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logging.Warn().Str("from", from.String()).Str("to", to.String()).
				Msg("sap circuit breaker state changed")
		},
	}
	return &SAPConnector{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout()},
		breaker: gobreaker.NewCircuitBreaker[*http.Response](settings),
	}
}

// Name implements dispatch.Deliverer.
func (c *SAPConnector) Name() string { return "sap-connector" }

// sapPayload is the JSON body posted per message.
type sapPayload struct {
	Value     string `json:"value"`
	DataType  string `json:"data_type"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// Deliver posts the message to endpoint + topic_or_node (the resource path).
// 2xx is success; 408, 429, 5xx and transport faults are retryable; any
// other status is permanent.
func (c *SAPConnector) Deliver(ctx context.Context, m *bridge.Message) error {
	body, err := json.Marshal(sapPayload{
		Value:     m.Value,
		DataType:  string(m.DataType),
		Source:    string(m.Source),
		Timestamp: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		metrics.AdapterErrors.WithLabelValues("sap", "permanent").Inc()
		return bridge.NewPermanentError("encode sap payload", err)
	}

	target, err := url.JoinPath(c.cfg.Endpoint, m.TopicOrNode)
	if err != nil {
		metrics.AdapterErrors.WithLabelValues("sap", "permanent").Inc()
		return bridge.NewPermanentError(fmt.Sprintf("bad resource path %q", m.TopicOrNode), err)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.post(ctx, target, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.AdapterErrors.WithLabelValues("sap", "retryable").Inc()
			return bridge.NewRetryableError("sap circuit open", err)
		}
		metrics.AdapterErrors.WithLabelValues("sap", "retryable").Inc()
		return bridge.NewRetryableError(fmt.Sprintf("post %s", m.TopicOrNode), err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500:
		metrics.AdapterErrors.WithLabelValues("sap", "retryable").Inc()
		return bridge.NewRetryableError(
			fmt.Sprintf("post %s: status %d", m.TopicOrNode, resp.StatusCode), nil)
	default:
		metrics.AdapterErrors.WithLabelValues("sap", "permanent").Inc()
		return bridge.NewPermanentError(
			fmt.Sprintf("post %s: status %d", m.TopicOrNode, resp.StatusCode), nil)
	}
}

// post performs one authenticated request. A 5xx or transport fault is
// returned as an error so the breaker counts it; 4xx responses pass through
// as responses because they indicate a request problem, not endpoint health.
func (c *SAPConnector) post(ctx context.Context, target string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("sap endpoint returned %d", resp.StatusCode)
	}
	return resp, nil
}

func (c *SAPConnector) authorize(ctx context.Context, req *http.Request) error {
	switch c.cfg.Auth.Type {
	case "", "none":
		return nil
	case "basic":
		req.SetBasicAuth(c.cfg.Auth.Username, c.cfg.Auth.Password)
		return nil
	case "oauth2":
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
	return fmt.Errorf("unknown sap auth type %q", c.cfg.Auth.Type)
}

// accessToken returns the cached client-credentials token, refreshing it
// when less than a minute of validity remains.
func (c *SAPConnector) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.Auth.ClientID},
		"client_secret": {c.cfg.Auth.ClientSecret},
	}
	if c.cfg.Auth.Scope != "" {
		form.Set("scope", c.cfg.Auth.Scope)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Auth.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sap token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sap token request: status %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("sap token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("sap token response: empty access_token")
	}
	c.token = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	logging.Debug().Time("expiry", c.tokenExpiry).Msg("sap token refreshed")
	return c.token, nil
}

// Fetch reads the current value of a SAP resource; the inbound poller uses
// it. Non-200 responses and transport faults return an error.
func (c *SAPConnector) Fetch(ctx context.Context, resourcePath string) (string, error) {
	target, err := url.JoinPath(c.cfg.Endpoint, resourcePath)
	if err != nil {
		return "", fmt.Errorf("bad resource path %q: %w", resourcePath, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	if err := c.authorize(ctx, req); err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", resourcePath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get %s: status %d", resourcePath, resp.StatusCode)
	}

	var payload struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("get %s: decode: %w", resourcePath, err)
	}
	return payload.Value, nil
}
