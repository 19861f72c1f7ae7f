// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

// Package buffer is the façade over the persistent store: enqueue policy
// (validation, defaulting, capacity, coalescing), claim/settle operations
// for the dispatch workers, and the periodic statistics flush.
package buffer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/config"
	"github.com/puente-io/puente/internal/logging"
	"github.com/puente-io/puente/internal/metrics"
	"github.com/puente-io/puente/internal/store"
)

// Buffer wraps the store with enqueue policy and lifecycle accounting.
type Buffer struct {
	store *store.Store
	cfg   config.BufferConfig

	// interval counters, drained by the flusher
	enqueued  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	expired   atomic.Int64
	retried   atomic.Int64
}

// New wraps an open store.
func New(s *store.Store, cfg config.BufferConfig) *Buffer {
	return &Buffer{store: s, cfg: cfg}
}

// Store exposes the underlying store for the janitor and the CLI.
func (b *Buffer) Store() *store.Store {
	return b.store
}

// EnqueueOptions carries the mapping-level policy for one enqueue.
type EnqueueOptions struct {
	// Coalesce replaces an existing pending message on the same
	// (destination, subject, priority) stream instead of appending.
	Coalesce bool
	// MaxRetries overrides the buffer default when > 0.
	MaxRetries int
	// TTL overrides the buffer default when > 0.
	TTL time.Duration
}

// Enqueue validates, defaults and persists a message. Non-critical messages
// are rejected with bridge.ErrBufferFull once the pending backlog reaches
// the configured capacity; critical messages bypass the cap.
func (b *Buffer) Enqueue(ctx context.Context, m *bridge.Message, opts EnqueueOptions) error {
	if err := b.prepare(m, opts); err != nil {
		metrics.MessagesDropped.WithLabelValues("invalid").Inc()
		return err
	}

	if m.Priority != bridge.PriorityCritical {
		pending, err := b.store.PendingCount(ctx)
		if err != nil {
			metrics.MessagesDropped.WithLabelValues("store").Inc()
			return err
		}
		if pending >= b.cfg.MaxSize {
			metrics.MessagesDropped.WithLabelValues("full").Inc()
			return fmt.Errorf("%w: %d pending, capacity %d", bridge.ErrBufferFull, pending, b.cfg.MaxSize)
		}
	}

	if opts.Coalesce {
		replaced, err := b.store.CoalescePending(ctx, m)
		if err != nil {
			metrics.MessagesDropped.WithLabelValues("store").Inc()
			return err
		}
		if replaced {
			metrics.MessagesCoalesced.Inc()
			return nil
		}
	}

	if err := b.store.Insert(ctx, m); err != nil {
		metrics.MessagesDropped.WithLabelValues("store").Inc()
		return err
	}
	b.enqueued.Add(1)
	metrics.MessagesEnqueued.WithLabelValues(
		string(m.Source), string(m.Destination), m.Priority.String()).Inc()
	return nil
}

func (b *Buffer) prepare(m *bridge.Message, opts EnqueueOptions) error {
	if !m.Source.Valid() {
		return fmt.Errorf("enqueue: unknown source %q", m.Source)
	}
	if !m.Destination.Valid() {
		return fmt.Errorf("enqueue: unknown destination %q", m.Destination)
	}
	if !m.DataType.Valid() {
		return fmt.Errorf("enqueue: unknown data type %q", m.DataType)
	}
	if m.TopicOrNode == "" {
		return fmt.Errorf("enqueue: empty subject")
	}
	if !m.Priority.Valid() {
		return fmt.Errorf("enqueue: priority %d out of range", m.Priority)
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	ttl := b.cfg.MessageTTL()
	if opts.TTL > 0 {
		ttl = opts.TTL
	}
	if m.ExpireAt.IsZero() {
		m.ExpireAt = m.CreatedAt.Add(ttl)
	}
	m.MaxRetries = b.cfg.MaxRetries
	if opts.MaxRetries > 0 {
		m.MaxRetries = opts.MaxRetries
	}
	m.Status = bridge.StatusPending
	m.RetryCount = 0
	return nil
}

// Claim leases up to the configured batch of eligible messages for workerID.
func (b *Buffer) Claim(ctx context.Context, workerID string) ([]*bridge.Message, error) {
	claimed, err := b.store.Claim(ctx, b.cfg.BatchSize, workerID, b.cfg.LeaseDuration())
	if err != nil {
		return nil, err
	}
	metrics.ClaimBatchSize.Observe(float64(len(claimed)))
	return claimed, nil
}

// Complete settles a delivered message.
func (b *Buffer) Complete(ctx context.Context, m *bridge.Message) error {
	if err := b.store.Complete(ctx, m.ID); err != nil {
		return err
	}
	b.completed.Add(1)
	metrics.MessagesCompleted.WithLabelValues(string(m.Destination)).Inc()
	return nil
}

// FailRetry settles a retryable failure, scheduling the next attempt after
// backoff. Returns the resulting status (pending or failed).
func (b *Buffer) FailRetry(ctx context.Context, m *bridge.Message, cause string, backoff time.Duration) (bridge.Status, error) {
	st, err := b.store.FailRetry(ctx, m.ID, cause, backoff)
	if err != nil {
		return st, err
	}
	if st == bridge.StatusFailed {
		b.failed.Add(1)
		metrics.MessagesFailed.WithLabelValues(string(m.Destination), "retries_exhausted").Inc()
		logging.Warn().Int64("id", m.ID).Str("subject", m.TopicOrNode).
			Int("retries", m.RetryCount).Str("error", cause).
			Msg("message failed, retries exhausted")
	} else {
		b.retried.Add(1)
		metrics.MessagesRetried.Inc()
	}
	return st, nil
}

// FailPermanent settles a non-retryable failure; the message is archived
// immediately.
func (b *Buffer) FailPermanent(ctx context.Context, m *bridge.Message, cause string) error {
	if err := b.store.FailPermanent(ctx, m.ID, cause); err != nil {
		return err
	}
	b.failed.Add(1)
	metrics.MessagesFailed.WithLabelValues(string(m.Destination), "permanent").Inc()
	logging.Warn().Int64("id", m.ID).Str("subject", m.TopicOrNode).
		Str("error", cause).Msg("message failed permanently")
	return nil
}

// Stats is a point-in-time view of buffer health.
type Stats struct {
	Pending    int     `json:"pending"`
	Processing int     `json:"processing"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Expired    int     `json:"expired"`
	Archived   int     `json:"archived"`
	PerMinute  float64 `json:"throughput_per_minute"`
}

// Stats reads the live status counts and trailing throughput.
func (b *Buffer) Stats(ctx context.Context) (*Stats, error) {
	counts, err := b.store.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	archived, err := b.store.ArchiveCount(ctx)
	if err != nil {
		return nil, err
	}
	perMin, err := b.store.ThroughputPerMinute(ctx, time.Now().UTC(), time.Minute)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Pending:    counts[bridge.StatusPending],
		Processing: counts[bridge.StatusProcessing],
		Completed:  counts[bridge.StatusCompleted],
		Failed:     counts[bridge.StatusFailed],
		Expired:    counts[bridge.StatusExpired],
		Archived:   archived,
		PerMinute:  perMin,
	}, nil
}

// NoteExpired records janitor-observed expiries in the interval counters.
func (b *Buffer) NoteExpired(n int) {
	if n > 0 {
		b.expired.Add(int64(n))
		metrics.MessagesExpired.Add(float64(n))
	}
}
