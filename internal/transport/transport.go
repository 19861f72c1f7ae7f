// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

// Package transport dials the MQTT broker and the OPC-UA endpoint. Both
// ingress and egress share one client per protocol; the libraries handle
// reconnection underneath.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/puente-io/puente/internal/config"
	"github.com/puente-io/puente/internal/logging"
	"github.com/puente-io/puente/internal/metrics"
)

// connectTimeout bounds the initial broker handshake.
const connectTimeout = 30 * time.Second

// DialMQTT connects to the broker with auto-reconnect enabled. Subscriptions
// registered through the returned client are restored after a reconnect.
func DialMQTT(cfg config.MQTTConfig) (mqtt.Client, error) {
	scheme := "tcp"
	if cfg.TLSEnabled {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerHost, cfg.BrokerPort)

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(time.Duration(cfg.KeepAliveS) * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Duration(cfg.ReconnectDelay) * time.Second).
		SetCleanSession(false).
		SetOrderMatters(false)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLSEnabled {
		tlsCfg, err := mqttTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		metrics.AdapterConnected.WithLabelValues("mqtt").Set(1)
		logging.Info().Str("broker", broker).Msg("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		metrics.AdapterConnected.WithLabelValues("mqtt").Set(0)
		logging.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	return client, nil
}

func mqttTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca cert %s: no certificates found", cfg.CACert)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// DialOPCUA connects to the OPC-UA endpoint.
func DialOPCUA(ctx context.Context, cfg config.OPCUAConfig) (*opcua.Client, error) {
	opts := []opcua.Option{
		opcua.RequestTimeout(10 * time.Second),
		opcua.AutoReconnect(true),
	}
	if cfg.SecurityPolicy == "" || cfg.SecurityPolicy == "None" {
		opts = append(opts,
			opcua.SecurityMode(ua.MessageSecurityModeNone),
			opcua.SecurityPolicy("None"),
		)
	} else {
		opts = append(opts,
			opcua.SecurityPolicy(cfg.SecurityPolicy),
			opcua.SecurityMode(ua.MessageSecurityModeSignAndEncrypt),
			opcua.CertificateFile(cfg.Certificate),
			opcua.PrivateKeyFile(cfg.PrivateKey),
		)
	}
	if cfg.AllowAnonymous {
		opts = append(opts, opcua.AuthAnonymous())
	}

	client, err := opcua.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("opcua client for %s: %w", cfg.Endpoint, err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua connect to %s: %w", cfg.Endpoint, err)
	}
	metrics.AdapterConnected.WithLabelValues("opcua").Set(1)
	logging.Info().Str("endpoint", cfg.Endpoint).Msg("opcua connected")
	return client, nil
}
