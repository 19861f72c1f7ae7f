// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

// Package bridge defines the message model shared by the persistent buffer,
// the dispatch pipeline, and the transport adapters.
package bridge

import (
	"fmt"
	"time"
)

// Source identifies where a message entered the bridge.
type Source string

// Message sources.
const (
	SourceMQTT     Source = "mqtt"
	SourceOPCUA    Source = "opcua"
	SourceSAP      Source = "sap"
	SourceInternal Source = "internal"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceMQTT, SourceOPCUA, SourceSAP, SourceInternal:
		return true
	}
	return false
}

// Destination identifies the egress endpoint of a message.
type Destination string

// Message destinations.
const (
	DestMQTT  Destination = "mqtt"
	DestOPCUA Destination = "opcua"
	DestSAP   Destination = "sap"
)

// Valid reports whether d is a known destination.
func (d Destination) Valid() bool {
	switch d {
	case DestMQTT, DestOPCUA, DestSAP:
		return true
	}
	return false
}

// DataType is the declared wire type of a message value. Values are stored in
// canonical string form; see the wire package for coercion rules.
type DataType string

// Supported data types.
const (
	TypeBoolean  DataType = "Boolean"
	TypeInt32    DataType = "Int32"
	TypeFloat    DataType = "Float"
	TypeDouble   DataType = "Double"
	TypeString   DataType = "String"
	TypeDateTime DataType = "DateTime"
	TypeJSON     DataType = "JSON"
)

// Valid reports whether t is a supported data type.
func (t DataType) Valid() bool {
	switch t {
	case TypeBoolean, TypeInt32, TypeFloat, TypeDouble, TypeString, TypeDateTime, TypeJSON:
		return true
	}
	return false
}

// Status is the lifecycle state of a buffered message.
type Status string

// Message statuses. Completed, failed and expired are terminal.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Priority orders messages within the claim query. Lower values dispatch first.
type Priority int

// Message priorities.
const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// ParsePriority converts a configuration string to a Priority. An empty
// string means normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Message is the unit of transfer between ingress and egress.
type Message struct {
	ID          int64       `json:"id"`
	Source      Source      `json:"source"`
	Destination Destination `json:"destination"`

	// TopicOrNode is the routing key: an MQTT topic, an OPC-UA node
	// identifier, or a SAP resource path.
	TopicOrNode string `json:"topic_or_node"`

	// Value is the payload in the canonical string form of DataType.
	Value    string   `json:"value"`
	DataType DataType `json:"data_type"`

	Status     Status   `json:"status"`
	Priority   Priority `json:"priority"`
	RetryCount int      `json:"retry_count"`
	MaxRetries int      `json:"max_retries"`

	CreatedAt   time.Time `json:"created_at"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`
	ExpireAt    time.Time `json:"expire_at"`

	// NextAttemptAt gates retry scheduling; a pending message is not
	// claimable before this instant.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	// LeaseOwner and LeaseDeadline are set while status is processing.
	LeaseOwner    string    `json:"lease_owner,omitempty"`
	LeaseDeadline time.Time `json:"lease_deadline,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// FailedMessage is an append-only archive row written when a message reaches
// the terminal failed or expired state.
type FailedMessage struct {
	ID           int64       `json:"id"`
	OriginalID   int64       `json:"original_id"`
	Source       Source      `json:"source"`
	Destination  Destination `json:"destination"`
	TopicOrNode  string      `json:"topic_or_node"`
	Value        string      `json:"value"`
	ErrorMessage string      `json:"error_message"`
	FailedAt     time.Time   `json:"failed_at"`
	RetryCount   int         `json:"retry_count"`
}

// Metric names written to the statistics table. Closed set.
const (
	MetricEnqueued          = "enqueued"
	MetricCompleted         = "completed"
	MetricFailed            = "failed"
	MetricExpired           = "expired"
	MetricRetried           = "retried"
	MetricPendingCurrent    = "pending_current"
	MetricProcessingCurrent = "processing_current"
	MetricThroughputPerMin  = "throughput_per_minute"
)
