// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

// Package egress implements the delivery adapters the dispatch workers
// invoke: MQTT publish, OPC-UA write, and the SAP HTTP connector. Every
// adapter classifies its failures as retryable or permanent; the dispatcher
// never inspects transport detail.
package egress

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/metrics"
)

// MQTTPublisher delivers buffered messages as MQTT publishes.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
}

// NewMQTTPublisher wraps a connected client.
func NewMQTTPublisher(client mqtt.Client, qos int) *MQTTPublisher {
	return &MQTTPublisher{client: client, qos: byte(qos)}
}

// Name implements dispatch.Deliverer.
func (p *MQTTPublisher) Name() string { return "mqtt-publisher" }

// Deliver publishes the canonical value to the message's topic. Broker and
// network faults are retryable; the payload is already canonical so there is
// no permanent failure mode here.
func (p *MQTTPublisher) Deliver(ctx context.Context, m *bridge.Message) error {
	if !p.client.IsConnectionOpen() {
		metrics.AdapterErrors.WithLabelValues("mqtt", "retryable").Inc()
		return bridge.NewRetryableError("mqtt broker not connected", nil)
	}

	token := p.client.Publish(m.TopicOrNode, p.qos, false, []byte(m.Value))
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			metrics.AdapterErrors.WithLabelValues("mqtt", "retryable").Inc()
			return bridge.NewRetryableError(fmt.Sprintf("publish %s", m.TopicOrNode), err)
		}
		return nil
	case <-ctx.Done():
		metrics.AdapterErrors.WithLabelValues("mqtt", "retryable").Inc()
		return bridge.NewRetryableError(fmt.Sprintf("publish %s timed out", m.TopicOrNode), ctx.Err())
	}
}
