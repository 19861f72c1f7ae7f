// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

// Package mapping builds the routing table between MQTT topics and OPC-UA
// nodes. Lookups are read-only after construction and safe for concurrent
// use by every ingress goroutine.
package mapping

import (
	"fmt"
	"strings"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/config"
)

// Direction restricts which way a rule routes.
type Direction string

// Routing directions.
const (
	DirMQTTToOPCUA   Direction = "mqtt_to_opcua"
	DirOPCUAToMQTT   Direction = "opcua_to_mqtt"
	DirBidirectional Direction = "bidirectional"
)

// Rule is one compiled mapping entry.
type Rule struct {
	MQTTTopic   string
	OPCUANodeID string
	DataType    bridge.DataType
	Direction   Direction
	Priority    bridge.Priority
	MaxRetries  int
	Coalesce    bool
	Transform   Transform
	Description string
}

// RoutesMQTTToOPCUA reports whether inbound MQTT publishes match this rule.
func (r *Rule) RoutesMQTTToOPCUA() bool {
	return r.Direction == DirMQTTToOPCUA || r.Direction == DirBidirectional
}

// RoutesOPCUAToMQTT reports whether OPC-UA data changes match this rule.
func (r *Rule) RoutesOPCUAToMQTT() bool {
	return r.Direction == DirOPCUAToMQTT || r.Direction == DirBidirectional
}

// Table resolves ingress subjects to rules. Exact topics sit in a map;
// wildcard patterns are scanned in precedence order.
type Table struct {
	exactTopics map[string]*Rule
	plusRules   []*Rule // patterns containing +
	hashRules   []*Rule // patterns ending in #
	byNode      map[string]*Rule
	rules       []*Rule
}

// Build compiles the configured mappings, inheriting defaultMaxRetries where
// a mapping leaves max_retries at zero. Transform expressions are parsed
// here so a bad one fails startup.
func Build(mappings []config.MappingConfig, defaultMaxRetries int) (*Table, error) {
	t := &Table{
		exactTopics: make(map[string]*Rule, len(mappings)),
		byNode:      make(map[string]*Rule, len(mappings)),
	}

	for i, mc := range mappings {
		prio, err := bridge.ParsePriority(mc.Priority)
		if err != nil {
			return nil, fmt.Errorf("mapping %d (%s): %w", i, mc.MQTTTopic, err)
		}
		transform, err := ParseTransform(mc.Transform)
		if err != nil {
			return nil, fmt.Errorf("mapping %d (%s): %w", i, mc.MQTTTopic, err)
		}
		if err := validateTopicPattern(mc.MQTTTopic); err != nil {
			return nil, fmt.Errorf("mapping %d: %w", i, err)
		}

		maxRetries := mc.MaxRetries
		if maxRetries == 0 {
			maxRetries = defaultMaxRetries
		}
		r := &Rule{
			MQTTTopic:   mc.MQTTTopic,
			OPCUANodeID: mc.OPCUANodeID,
			DataType:    bridge.DataType(mc.DataType),
			Direction:   Direction(mc.Direction),
			Priority:    prio,
			MaxRetries:  maxRetries,
			Coalesce:    mc.Coalesce,
			Transform:   transform,
			Description: mc.Description,
		}
		t.rules = append(t.rules, r)

		switch {
		case strings.HasSuffix(mc.MQTTTopic, "#"):
			t.hashRules = append(t.hashRules, r)
		case strings.Contains(mc.MQTTTopic, "+"):
			t.plusRules = append(t.plusRules, r)
		default:
			if prev, dup := t.exactTopics[mc.MQTTTopic]; dup && prev.RoutesMQTTToOPCUA() && r.RoutesMQTTToOPCUA() {
				return nil, fmt.Errorf("mapping %d: duplicate topic %q", i, mc.MQTTTopic)
			}
			t.exactTopics[mc.MQTTTopic] = r
		}

		if r.RoutesOPCUAToMQTT() {
			// The node side publishes to this topic, so it must be concrete.
			if strings.ContainsAny(mc.MQTTTopic, "#+") {
				return nil, fmt.Errorf("mapping %d: direction %s needs a concrete topic, got %q",
					i, mc.Direction, mc.MQTTTopic)
			}
			if _, dup := t.byNode[mc.OPCUANodeID]; dup {
				return nil, fmt.Errorf("mapping %d: duplicate node %q", i, mc.OPCUANodeID)
			}
			t.byNode[mc.OPCUANodeID] = r
		}
	}
	return t, nil
}

// Rules returns every compiled rule in configuration order.
func (t *Table) Rules() []*Rule {
	return t.rules
}

// MatchMQTT resolves an inbound MQTT topic. Exact entries win over +
// patterns, which win over # patterns; within a tier, configuration order
// decides.
func (t *Table) MatchMQTT(topic string) (*Rule, bool) {
	if r, ok := t.exactTopics[topic]; ok && r.RoutesMQTTToOPCUA() {
		return r, true
	}
	for _, r := range t.plusRules {
		if r.RoutesMQTTToOPCUA() && topicMatches(r.MQTTTopic, topic) {
			return r, true
		}
	}
	for _, r := range t.hashRules {
		if r.RoutesMQTTToOPCUA() && topicMatches(r.MQTTTopic, topic) {
			return r, true
		}
	}
	return nil, false
}

// MatchNode resolves an OPC-UA node identifier for the outbound-to-MQTT
// direction. Node lookups are always exact.
func (t *Table) MatchNode(nodeID string) (*Rule, bool) {
	r, ok := t.byNode[nodeID]
	return r, ok
}

// NodeIDs returns the node identifiers the OPC-UA monitor must subscribe to.
func (t *Table) NodeIDs() []string {
	out := make([]string, 0, len(t.byNode))
	for _, r := range t.rules {
		if r.RoutesOPCUAToMQTT() {
			out = append(out, r.OPCUANodeID)
		}
	}
	return out
}

// topicMatches implements MQTT filter matching: + spans exactly one level,
// a trailing # spans the remainder (including zero levels).
func topicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, seg := range pp {
		if seg == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}

// validateTopicPattern rejects filters MQTT brokers would refuse.
func validateTopicPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty mqtt_topic")
	}
	segs := strings.Split(pattern, "/")
	for i, seg := range segs {
		if seg == "#" && i != len(segs)-1 {
			return fmt.Errorf("topic %q: # must be the final level", pattern)
		}
		if seg != "#" && seg != "+" && strings.ContainsAny(seg, "#+") {
			return fmt.Errorf("topic %q: wildcard must occupy a whole level", pattern)
		}
	}
	return nil
}
