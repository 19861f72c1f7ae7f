// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package buffer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/config"
	"github.com/puente-io/puente/internal/store"
)

func testBufferConfig() config.BufferConfig {
	return config.BufferConfig{
		MaxSize:           3,
		WorkerThreads:     1,
		BatchSize:         16,
		LeaseDurationS:    60,
		PerMessageTimeout: 10,
		CleanupIntervalS:  60,
		RetentionDays:     7,
		MessageTTLMinutes: 60,
		BaseBackoffS:      1,
		MaxBackoffS:       300,
		MaxRetries:        5,
		StatsFlushS:       10,
	}
}

func openTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "buffer.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, testBufferConfig())
}

func inbound(topic string, prio bridge.Priority) *bridge.Message {
	return &bridge.Message{
		Source:      bridge.SourceMQTT,
		Destination: bridge.DestOPCUA,
		TopicOrNode: topic,
		Value:       "21.5",
		DataType:    bridge.TypeFloat,
		Priority:    prio,
	}
}

func TestEnqueueDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestBuffer(t)

	m := inbound("plant/line1/temp", bridge.PriorityNormal)
	if err := b.Enqueue(ctx, m, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if m.ID == 0 {
		t.Fatal("no id assigned")
	}
	if m.MaxRetries != 5 {
		t.Errorf("max_retries = %d, want inherited 5", m.MaxRetries)
	}
	wantExpire := m.CreatedAt.Add(time.Hour)
	if !m.ExpireAt.Equal(wantExpire) {
		t.Errorf("expire_at = %v, want created+1h %v", m.ExpireAt, wantExpire)
	}

	over := inbound("plant/line1/temp", bridge.PriorityNormal)
	if err := b.Enqueue(ctx, over, EnqueueOptions{MaxRetries: 2, TTL: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if over.MaxRetries != 2 || !over.ExpireAt.Equal(over.CreatedAt.Add(time.Minute)) {
		t.Errorf("overrides not applied: %+v", over)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestBuffer(t)

	tests := []struct {
		name string
		m    *bridge.Message
	}{
		{"bad source", &bridge.Message{Source: "ftp", Destination: bridge.DestOPCUA, TopicOrNode: "x", Value: "1", DataType: bridge.TypeInt32}},
		{"bad destination", &bridge.Message{Source: bridge.SourceMQTT, Destination: "nowhere", TopicOrNode: "x", Value: "1", DataType: bridge.TypeInt32}},
		{"bad type", &bridge.Message{Source: bridge.SourceMQTT, Destination: bridge.DestOPCUA, TopicOrNode: "x", Value: "1", DataType: "Int64"}},
		{"empty subject", &bridge.Message{Source: bridge.SourceMQTT, Destination: bridge.DestOPCUA, Value: "1", DataType: bridge.TypeInt32}},
		{"bad priority", &bridge.Message{Source: bridge.SourceMQTT, Destination: bridge.DestOPCUA, TopicOrNode: "x", Value: "1", DataType: bridge.TypeInt32, Priority: 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := b.Enqueue(ctx, tt.m, EnqueueOptions{}); err == nil {
				t.Errorf("Enqueue() accepted %+v", tt.m)
			}
		})
	}
}

func TestEnqueueCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestBuffer(t) // MaxSize 3

	for i := 0; i < 3; i++ {
		if err := b.Enqueue(ctx, inbound("t/fill", bridge.PriorityNormal), EnqueueOptions{}); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
	}

	err := b.Enqueue(ctx, inbound("t/over", bridge.PriorityNormal), EnqueueOptions{})
	if !errors.Is(err, bridge.ErrBufferFull) {
		t.Fatalf("over-capacity Enqueue() error = %v, want ErrBufferFull", err)
	}

	// Critical bypasses the cap.
	if err := b.Enqueue(ctx, inbound("t/alarm", bridge.PriorityCritical), EnqueueOptions{}); err != nil {
		t.Fatalf("critical Enqueue() error = %v", err)
	}
}

func TestEnqueueCoalesce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestBuffer(t)

	first := inbound("t/sensor", bridge.PriorityNormal)
	first.Value = "1"
	if err := b.Enqueue(ctx, first, EnqueueOptions{Coalesce: true}); err != nil {
		t.Fatal(err)
	}
	second := inbound("t/sensor", bridge.PriorityNormal)
	second.Value = "2"
	if err := b.Enqueue(ctx, second, EnqueueOptions{Coalesce: true}); err != nil {
		t.Fatal(err)
	}

	stats, err := b.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 {
		t.Fatalf("pending = %d, want coalesced 1", stats.Pending)
	}

	claimed, err := b.Claim(ctx, "w")
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].Value != "2" {
		t.Errorf("claimed = %+v, want single message with value 2", claimed)
	}
}

func TestClaimAndSettle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestBuffer(t)

	ok := inbound("t/ok", bridge.PriorityHigh)
	flaky := inbound("t/flaky", bridge.PriorityNormal)
	broken := inbound("t/broken", bridge.PriorityNormal)
	for _, m := range []*bridge.Message{ok, flaky, broken} {
		if err := b.Enqueue(ctx, m, EnqueueOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	claimed, err := b.Claim(ctx, "w")
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d, want 3", len(claimed))
	}

	if err := b.Complete(ctx, claimed[0]); err != nil {
		t.Errorf("Complete() error = %v", err)
	}
	st, err := b.FailRetry(ctx, claimed[1], "timeout", time.Millisecond)
	if err != nil || st != bridge.StatusPending {
		t.Errorf("FailRetry() = %v, %v; want pending", st, err)
	}
	if err := b.FailPermanent(ctx, claimed[2], `coerce Float from "x"`); err != nil {
		t.Errorf("FailPermanent() error = %v", err)
	}

	stats, err := b.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 1 || stats.Failed != 1 || stats.Pending != 1 || stats.Archived != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFlusherWritesStatistics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestBuffer(t)

	if err := b.Enqueue(ctx, inbound("t/x", bridge.PriorityNormal), EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	f := NewFlusher(b)
	f.flush(ctx)

	since := time.Now().UTC().Add(-time.Hour)
	aggs, err := b.store.HourlyAggregates(ctx, since)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]bool{}
	for _, a := range aggs {
		byName[a.Name] = true
	}
	if !byName[bridge.MetricEnqueued] || !byName[bridge.MetricPendingCurrent] {
		t.Errorf("flushed metrics = %+v, missing enqueued/pending_current", aggs)
	}

	// Counters drain on flush: a second flush adds no enqueued sample.
	if v := b.enqueued.Load(); v != 0 {
		t.Errorf("enqueued counter after flush = %d", v)
	}
}
