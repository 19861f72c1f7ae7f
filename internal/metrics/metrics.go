// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

// Package metrics provides Prometheus instrumentation for the bridge:
// buffer depth and lifecycle counters, dispatch latency, adapter delivery
// outcomes, and janitor sweep results.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Buffer lifecycle
	MessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buffer_messages_enqueued_total",
			Help: "Total number of messages accepted into the buffer",
		},
		[]string{"source", "destination", "priority"},
	)

	MessagesCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "buffer_messages_coalesced_total",
			Help: "Total number of enqueues absorbed by an existing pending row",
		},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buffer_messages_dropped_total",
			Help: "Total number of messages rejected at enqueue",
		},
		[]string{"reason"}, // "full", "invalid", "store"
	)

	MessagesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buffer_messages_completed_total",
			Help: "Total number of messages delivered and completed",
		},
		[]string{"destination"},
	)

	MessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buffer_messages_failed_total",
			Help: "Total number of messages that reached terminal failure",
		},
		[]string{"destination", "kind"}, // kind: "retries_exhausted", "permanent", "lease"
	)

	MessagesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "buffer_messages_expired_total",
			Help: "Total number of messages archived by the TTL sweep",
		},
	)

	MessagesRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "buffer_messages_retried_total",
			Help: "Total number of retryable delivery failures",
		},
	)

	PendingDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "buffer_pending_messages",
			Help: "Current number of pending messages",
		},
	)

	ProcessingDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "buffer_processing_messages",
			Help: "Current number of messages under a worker lease",
		},
	)

	// Dispatch
	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_delivery_duration_seconds",
			Help:    "End-to-end delivery duration per message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"destination"},
	)

	ClaimBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_claim_batch_size",
			Help:    "Number of messages claimed per worker cycle",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	// Adapters
	AdapterErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adapter_errors_total",
			Help: "Total number of adapter delivery errors",
		},
		[]string{"adapter", "class"}, // class: "retryable", "permanent"
	)

	AdapterConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adapter_connected",
			Help: "Whether the adapter currently holds a live connection (1) or not (0)",
		},
		[]string{"adapter"},
	)

	IngressReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingress_messages_received_total",
			Help: "Total number of messages observed at ingress before buffering",
		},
		[]string{"source"},
	)

	// Janitor
	JanitorSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_sweeps_total",
			Help: "Total number of janitor sweep phases executed",
		},
		[]string{"phase", "outcome"}, // phase: "reclaim", "expire", "cleanup", "snapshot"
	)

	JanitorReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "janitor_leases_reclaimed_total",
			Help: "Total number of stuck leases returned to pending",
		},
	)

	JanitorSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "janitor_sweep_duration_seconds",
			Help:    "Duration of a full janitor sweep",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
	)
)
