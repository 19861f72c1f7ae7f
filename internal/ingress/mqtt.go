// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package ingress

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/config"
	"github.com/puente-io/puente/internal/logging"
	"github.com/puente-io/puente/internal/mapping"
)

// MQTTSubscriber subscribes to every mapped topic filter and pushes inbound
// publishes into the buffer. SAP bridge_to_sap mappings ride the same
// subscriber: their source topics are plain MQTT subscriptions routed to the
// SAP destination.
type MQTTSubscriber struct {
	client    mqtt.Client
	pusher    *Pusher
	table     *mapping.Table
	qos       byte
	sapRoutes map[string]config.SAPMappingConfig
}

// NewMQTTSubscriber builds the subscriber. sapMappings may be empty.
func NewMQTTSubscriber(client mqtt.Client, pusher *Pusher, table *mapping.Table, qos int, sapMappings []config.SAPMappingConfig) *MQTTSubscriber {
	routes := make(map[string]config.SAPMappingConfig)
	for _, sm := range sapMappings {
		if sm.Direction == "bridge_to_sap" || sm.Direction == "bidirectional" {
			routes[sm.Target] = sm
		}
	}
	return &MQTTSubscriber{
		client:    client,
		pusher:    pusher,
		table:     table,
		qos:       byte(qos),
		sapRoutes: routes,
	}
}

// Serve implements suture.Service: subscribe, then hold until shutdown.
// Paho restores subscriptions across reconnects on its own.
func (s *MQTTSubscriber) Serve(ctx context.Context) error {
	filters := s.filters()
	if len(filters) == 0 {
		logging.Warn().Msg("mqtt subscriber: no mapped topics, idling")
		<-ctx.Done()
		return ctx.Err()
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		s.dispatch(ctx, msg.Topic(), msg.Payload())
	}
	for filter := range filters {
		token := s.client.Subscribe(filter, s.qos, handler)
		token.Wait()
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", filter, err)
		}
		logging.Info().Str("filter", filter).Msg("mqtt subscribed")
	}

	<-ctx.Done()
	for filter := range filters {
		if token := s.client.Unsubscribe(filter); token.WaitTimeout(0) {
			_ = token.Error()
		}
	}
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (s *MQTTSubscriber) String() string {
	return "mqtt-subscriber"
}

func (s *MQTTSubscriber) filters() map[string]struct{} {
	filters := make(map[string]struct{})
	for _, r := range s.table.Rules() {
		if r.RoutesMQTTToOPCUA() {
			filters[r.MQTTTopic] = struct{}{}
		}
	}
	for topic := range s.sapRoutes {
		filters[topic] = struct{}{}
	}
	return filters
}

func (s *MQTTSubscriber) dispatch(ctx context.Context, topic string, payload []byte) {
	// Exact SAP source topics take the SAP path; everything else goes
	// through the mapping table.
	if sm, ok := s.sapRoutes[topic]; ok {
		s.pushSAP(ctx, sm, payload)
		return
	}
	s.pusher.PushMQTT(ctx, topic, payload)
}

func (s *MQTTSubscriber) pushSAP(ctx context.Context, sm config.SAPMappingConfig, payload []byte) {
	prio, err := bridge.ParsePriority(sm.Priority)
	if err != nil {
		prio = bridge.PriorityNormal
	}
	transform, err := mapping.ParseTransform(sm.Transform)
	if err != nil {
		logging.Error().Err(err).Str("mapping", sm.MappingID).Msg("sap mapping transform invalid")
		return
	}
	m := &bridge.Message{
		Source:      bridge.SourceMQTT,
		Destination: bridge.DestSAP,
		TopicOrNode: sm.ResourcePath,
		DataType:    bridge.DataType(sm.DataType),
		Priority:    prio,
	}
	s.pusher.PushRaw(ctx, m, string(payload), transform, false)
}
