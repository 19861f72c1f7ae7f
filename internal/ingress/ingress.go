// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

// Package ingress feeds the buffer from the MQTT subscriber, the OPC-UA
// change monitor, and the SAP poller. Ingress resolves the mapping, coerces
// the payload, applies the mapping's transform, and enqueues one message per
// destination. Delivery concerns stay with the dispatcher.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/buffer"
	"github.com/puente-io/puente/internal/logging"
	"github.com/puente-io/puente/internal/mapping"
	"github.com/puente-io/puente/internal/metrics"
	"github.com/puente-io/puente/internal/wire"
)

// Pusher is the shared enqueue path of every ingress source.
type Pusher struct {
	buf   *buffer.Buffer
	table *mapping.Table

	// fullWarn throttles buffer-full log noise during sustained overload.
	fullWarn *rate.Limiter
}

// NewPusher wires the buffer and the routing table.
func NewPusher(buf *buffer.Buffer, table *mapping.Table) *Pusher {
	return &Pusher{
		buf:      buf,
		table:    table,
		fullWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// PushMQTT routes one inbound MQTT publish. Unmapped topics are dropped
// silently; a payload that fails coercion or transform is dead-lettered so
// the archive records it.
func (p *Pusher) PushMQTT(ctx context.Context, topic string, payload []byte) {
	metrics.IngressReceived.WithLabelValues("mqtt").Inc()

	rule, ok := p.table.MatchMQTT(topic)
	if !ok {
		logging.Debug().Str("topic", topic).Msg("ingress: unmapped mqtt topic")
		return
	}

	m := &bridge.Message{
		Source:      bridge.SourceMQTT,
		Destination: bridge.DestOPCUA,
		TopicOrNode: rule.OPCUANodeID,
		DataType:    rule.DataType,
		Priority:    rule.Priority,
	}
	p.push(ctx, m, rule, string(payload))
}

// PushNode routes one OPC-UA data change toward MQTT.
func (p *Pusher) PushNode(ctx context.Context, nodeID string, native interface{}) {
	metrics.IngressReceived.WithLabelValues("opcua").Inc()

	rule, ok := p.table.MatchNode(nodeID)
	if !ok {
		logging.Debug().Str("node", nodeID).Msg("ingress: unmapped node")
		return
	}

	m := &bridge.Message{
		Source:      bridge.SourceOPCUA,
		Destination: bridge.DestMQTT,
		TopicOrNode: rule.MQTTTopic,
		DataType:    rule.DataType,
		Priority:    rule.Priority,
	}
	canonical, err := wire.FromNative(rule.DataType, native)
	if err != nil {
		m.Value = fmt.Sprint(native)
		p.deadLetter(ctx, m, err)
		return
	}
	p.pushCanonical(ctx, m, rule, canonical)
}

// PushRaw enqueues a pre-routed message from a source that carries its own
// mapping, such as the SAP poller. The raw value is coerced against the
// declared type before buffering.
func (p *Pusher) PushRaw(ctx context.Context, m *bridge.Message, raw string, transform mapping.Transform, coalesce bool) {
	metrics.IngressReceived.WithLabelValues(string(m.Source)).Inc()

	canonical, err := wire.Canonicalize(m.DataType, raw)
	if err != nil {
		m.Value = raw
		p.deadLetter(ctx, m, err)
		return
	}
	if transform != nil {
		canonical, err = transform(m.DataType, canonical)
		if err != nil {
			p.deadLetter(ctx, m, err)
			return
		}
	}
	m.Value = canonical
	p.enqueue(ctx, m, buffer.EnqueueOptions{Coalesce: coalesce})
}

func (p *Pusher) push(ctx context.Context, m *bridge.Message, rule *mapping.Rule, raw string) {
	canonical, err := wire.Canonicalize(rule.DataType, raw)
	if err != nil {
		m.Value = raw
		p.deadLetter(ctx, m, err)
		return
	}
	p.pushCanonical(ctx, m, rule, canonical)
}

func (p *Pusher) pushCanonical(ctx context.Context, m *bridge.Message, rule *mapping.Rule, canonical string) {
	transformed, err := rule.Transform(rule.DataType, canonical)
	if err != nil {
		m.Value = canonical
		p.deadLetter(ctx, m, err)
		return
	}
	m.Value = transformed
	p.enqueue(ctx, m, buffer.EnqueueOptions{
		Coalesce:   rule.Coalesce,
		MaxRetries: rule.MaxRetries,
	})
}

func (p *Pusher) enqueue(ctx context.Context, m *bridge.Message, opts buffer.EnqueueOptions) {
	err := p.buf.Enqueue(ctx, m, opts)
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrBufferFull):
		if p.fullWarn.Allow() {
			logging.Warn().Str("subject", m.TopicOrNode).
				Msg("ingress: buffer full, dropping non-critical messages")
		}
	default:
		logging.Error().Err(err).Str("subject", m.TopicOrNode).
			Msg("ingress: enqueue failed")
	}
}

// deadLetter records an unprocessable payload: the message is persisted and
// immediately archived as a permanent failure with retry_count zero.
func (p *Pusher) deadLetter(ctx context.Context, m *bridge.Message, cause error) {
	if m.Value == "" {
		m.Value = "?"
	}
	if err := p.buf.Enqueue(ctx, m, buffer.EnqueueOptions{}); err != nil {
		logging.Error().Err(err).Str("subject", m.TopicOrNode).
			Msg("ingress: dead-letter enqueue failed")
		return
	}
	if err := p.buf.FailPermanent(ctx, m, cause.Error()); err != nil {
		logging.Error().Err(err).Int64("id", m.ID).
			Msg("ingress: dead-letter archive failed")
	}
}
