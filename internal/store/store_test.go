// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/puente-io/puente/internal/bridge"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "buffer.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMessage(topic string, prio bridge.Priority) *bridge.Message {
	now := time.Now().UTC()
	return &bridge.Message{
		Source:      bridge.SourceMQTT,
		Destination: bridge.DestOPCUA,
		TopicOrNode: topic,
		Value:       "42",
		DataType:    bridge.TypeInt32,
		Priority:    prio,
		MaxRetries:  3,
		CreatedAt:   now,
		ExpireAt:    now.Add(time.Hour),
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	counts, err := s.StatusCounts(context.Background())
	if err != nil {
		t.Fatalf("StatusCounts() error = %v", err)
	}
	for st, n := range counts {
		if n != 0 {
			t.Errorf("fresh store has %d rows in status %s", n, st)
		}
	}
	if err := s.IntegrityCheck(context.Background()); err != nil {
		t.Errorf("IntegrityCheck() error = %v", err)
	}
}

func TestSidecarLockRejectsSecondProcess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "buffer.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if _, err := Open(ctx, path); err == nil {
		t.Fatal("second Open() on a locked store succeeded")
	}
}

func TestSidecarLockBreaksStaleLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "buffer.db")

	// A pidfile from a process that no longer exists must not wedge startup.
	if err := os.WriteFile(path+".lock", []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() with stale lock error = %v", err)
	}
	s.Close()
}

func TestInsertSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "buffer.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	m := testMessage("plant/line1/temp", bridge.PriorityNormal)
	if err := s.Insert(ctx, m); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if m.ID == 0 {
		t.Fatal("Insert() did not assign an id")
	}
	s.Close()

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got.TopicOrNode != m.TopicOrNode || got.Value != m.Value || got.Status != bridge.StatusPending {
		t.Errorf("reopened row = %+v, want topic %q value %q pending", got, m.TopicOrNode, m.Value)
	}
}

func TestClaimOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	// Inserted low first; claim must still lead with critical, then FIFO.
	low := testMessage("t/low", bridge.PriorityLow)
	normalA := testMessage("t/normal-a", bridge.PriorityNormal)
	normalB := testMessage("t/normal-b", bridge.PriorityNormal)
	normalB.CreatedAt = normalA.CreatedAt.Add(time.Millisecond)
	crit := testMessage("t/critical", bridge.PriorityCritical)
	for _, m := range []*bridge.Message{low, normalA, normalB, crit} {
		if err := s.Insert(ctx, m); err != nil {
			t.Fatalf("Insert(%s) error = %v", m.TopicOrNode, err)
		}
	}

	claimed, err := s.Claim(ctx, 10, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	var order []string
	for _, m := range claimed {
		order = append(order, m.TopicOrNode)
		if m.Status != bridge.StatusProcessing {
			t.Errorf("claimed %s status = %s, want processing", m.TopicOrNode, m.Status)
		}
		if m.LeaseOwner != "worker-1" {
			t.Errorf("claimed %s lease_owner = %q", m.TopicOrNode, m.LeaseOwner)
		}
	}
	want := []string{"t/critical", "t/normal-a", "t/normal-b", "t/low"}
	if len(order) != len(want) {
		t.Fatalf("claimed %d messages, want %d (%v)", len(order), len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("claim order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestClaimIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		if err := s.Insert(ctx, testMessage(fmt.Sprintf("t/%d", i), bridge.PriorityNormal)); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.Claim(ctx, 3, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("first Claim() error = %v", err)
	}
	second, err := s.Claim(ctx, 10, "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("second Claim() error = %v", err)
	}
	if len(first) != 3 || len(second) != 2 {
		t.Fatalf("claims = %d + %d, want 3 + 2", len(first), len(second))
	}
	seen := map[int64]bool{}
	for _, m := range append(first, second...) {
		if seen[m.ID] {
			t.Errorf("message %d claimed twice", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestClaimSkipsGatedAndExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	gated := testMessage("t/gated", bridge.PriorityNormal)
	gated.NextAttemptAt = time.Now().UTC().Add(time.Hour)
	expired := testMessage("t/expired", bridge.PriorityNormal)
	expired.ExpireAt = time.Now().UTC().Add(-time.Minute)
	ready := testMessage("t/ready", bridge.PriorityNormal)
	for _, m := range []*bridge.Message{gated, expired, ready} {
		if err := s.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	claimed, err := s.Claim(ctx, 10, "w", time.Minute)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].TopicOrNode != "t/ready" {
		t.Fatalf("Claim() = %v, want only t/ready", claimed)
	}
}

func TestCompleteIsFinal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	m := testMessage("t/x", bridge.PriorityNormal)
	if err := s.Insert(ctx, m); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, 1, "w", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(ctx, m.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != bridge.StatusCompleted || got.ProcessedAt.IsZero() {
		t.Errorf("completed row = %+v", got)
	}

	// Completing a completed row must not succeed silently.
	if err := s.Complete(ctx, m.ID); !errors.Is(err, bridge.ErrNotFound) {
		t.Errorf("second Complete() error = %v, want ErrNotFound", err)
	}
}

func TestFailRetryBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	m := testMessage("t/x", bridge.PriorityNormal)
	m.MaxRetries = 2
	if err := s.Insert(ctx, m); err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := s.Claim(ctx, 1, "w", time.Minute); err != nil {
			t.Fatal(err)
		}
		st, err := s.FailRetry(ctx, m.ID, "broker down", 0)
		if err != nil {
			t.Fatalf("FailRetry() #%d error = %v", attempt, err)
		}
		if st != bridge.StatusPending {
			t.Fatalf("FailRetry() #%d status = %s, want pending", attempt, st)
		}
		got, _ := s.Get(ctx, m.ID)
		if got.RetryCount != attempt {
			t.Fatalf("retry_count after #%d = %d", attempt, got.RetryCount)
		}
		if got.LastError != "broker down" {
			t.Fatalf("last_error = %q", got.LastError)
		}
	}

	// Third failure exhausts the budget: retry_count+1 > max_retries.
	if _, err := s.Claim(ctx, 1, "w", time.Minute); err != nil {
		t.Fatal(err)
	}
	st, err := s.FailRetry(ctx, m.ID, "broker down", 0)
	if err != nil {
		t.Fatalf("final FailRetry() error = %v", err)
	}
	if st != bridge.StatusFailed {
		t.Fatalf("final FailRetry() status = %s, want failed", st)
	}

	archived, err := s.ListFailed(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 1 || archived[0].OriginalID != m.ID {
		t.Fatalf("archive = %+v, want one row for id %d", archived, m.ID)
	}
}

func TestFailRetryGatesNextAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	m := testMessage("t/x", bridge.PriorityNormal)
	if err := s.Insert(ctx, m); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, 1, "w", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FailRetry(ctx, m.ID, "timeout", time.Hour); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.Claim(ctx, 1, "w", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Fatal("message claimed before its backoff elapsed")
	}
}

func TestFailPermanentSkipsBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	m := testMessage("t/x", bridge.PriorityNormal)
	m.MaxRetries = 10
	if err := s.Insert(ctx, m); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, 1, "w", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.FailPermanent(ctx, m.ID, `coerce Int32 from "abc"`); err != nil {
		t.Fatalf("FailPermanent() error = %v", err)
	}

	got, _ := s.Get(ctx, m.ID)
	if got.Status != bridge.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	archived, _ := s.ListFailed(ctx, 10)
	if len(archived) != 1 || archived[0].ErrorMessage != `coerce Int32 from "abc"` {
		t.Errorf("archive = %+v", archived)
	}
}

func TestExpireDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	old := testMessage("t/old", bridge.PriorityNormal)
	old.ExpireAt = time.Now().UTC().Add(-time.Minute)
	fresh := testMessage("t/fresh", bridge.PriorityNormal)
	for _, m := range []*bridge.Message{old, fresh} {
		if err := s.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpireDue() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ExpireDue() = %d, want 1", n)
	}

	got, _ := s.Get(ctx, old.ID)
	if got.Status != bridge.StatusExpired || got.LastError != "ttl" {
		t.Errorf("expired row = %+v", got)
	}
	archived, _ := s.ListFailed(ctx, 10)
	if len(archived) != 1 || archived[0].ErrorMessage != "ttl" {
		t.Errorf("archive = %+v", archived)
	}

	// Second sweep finds nothing: idempotent.
	n, err = s.ExpireDue(ctx, time.Now().UTC())
	if err != nil || n != 0 {
		t.Errorf("second ExpireDue() = %d, %v", n, err)
	}
}

func TestReclaimStuck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	healthy := testMessage("t/healthy", bridge.PriorityNormal)
	stuck := testMessage("t/stuck", bridge.PriorityNormal)
	doomed := testMessage("t/doomed", bridge.PriorityNormal)
	doomed.MaxRetries = 0
	for _, m := range []*bridge.Message{stuck, doomed, healthy} {
		if err := s.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	// stuck and doomed get an already-elapsed lease; healthy a live one.
	if _, err := s.Claim(ctx, 2, "dead-worker", -time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, 1, "live-worker", time.Hour); err != nil {
		t.Fatal(err)
	}

	reclaimed, archived, err := s.ReclaimStuck(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ReclaimStuck() error = %v", err)
	}
	if reclaimed != 1 || archived != 1 {
		t.Fatalf("ReclaimStuck() = (%d, %d), want (1, 1)", reclaimed, archived)
	}

	gotStuck, _ := s.Get(ctx, stuck.ID)
	if gotStuck.Status != bridge.StatusPending || gotStuck.RetryCount != 1 {
		t.Errorf("reclaimed row = %+v, want pending retry_count 1", gotStuck)
	}
	if gotStuck.LeaseOwner != "" {
		t.Errorf("reclaimed row retains lease owner %q", gotStuck.LeaseOwner)
	}

	gotDoomed, _ := s.Get(ctx, doomed.ID)
	if gotDoomed.Status != bridge.StatusFailed || gotDoomed.LastError != "lease expired" {
		t.Errorf("exhausted row = %+v", gotDoomed)
	}

	gotHealthy, _ := s.Get(ctx, healthy.ID)
	if gotHealthy.Status != bridge.StatusProcessing {
		t.Errorf("live lease disturbed: %+v", gotHealthy)
	}
}

// corruptPriority rewrites a row's priority to text so it no longer decodes.
func corruptPriority(t *testing.T, s *Store, id int64) {
	t.Helper()
	if _, err := s.db.ExecContext(context.Background(),
		`UPDATE messages SET priority = 'bogus' WHERE id = ?`, id); err != nil {
		t.Fatal(err)
	}
}

func rowStatus(t *testing.T, s *Store, id int64) (status, lastError string) {
	t.Helper()
	err := s.db.QueryRowContext(context.Background(),
		`SELECT status, COALESCE(last_error, '') FROM messages WHERE id = ?`, id).
		Scan(&status, &lastError)
	if err != nil {
		t.Fatal(err)
	}
	return status, lastError
}

func TestClaimQuarantinesUndecodableRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	healthy := testMessage("t/healthy", bridge.PriorityNormal)
	bad := testMessage("t/bad", bridge.PriorityNormal)
	for _, m := range []*bridge.Message{healthy, bad} {
		if err := s.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	corruptPriority(t, s, bad.ID)

	claimed, err := s.Claim(ctx, 10, "w", time.Minute)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != healthy.ID {
		t.Fatalf("Claim() = %d rows, want only the healthy row", len(claimed))
	}

	status, lastError := rowStatus(t, s, bad.ID)
	if status != "failed" || lastError != "integrity" {
		t.Errorf("corrupt row = (%s, %q), want (failed, integrity)", status, lastError)
	}
	archived, err := s.ListFailed(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 1 || archived[0].OriginalID != bad.ID || archived[0].ErrorMessage != "integrity" {
		t.Errorf("archive = %+v, want one integrity row for id %d", archived, bad.ID)
	}
}

func TestReclaimStuckSurvivesUndecodableRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	stuck := testMessage("t/stuck", bridge.PriorityNormal)
	bad := testMessage("t/bad", bridge.PriorityNormal)
	for _, m := range []*bridge.Message{stuck, bad} {
		if err := s.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Claim(ctx, 2, "dead-worker", -time.Minute); err != nil {
		t.Fatal(err)
	}
	corruptPriority(t, s, bad.ID)

	reclaimed, archived, err := s.ReclaimStuck(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ReclaimStuck() error = %v", err)
	}
	if reclaimed != 1 || archived != 0 {
		t.Fatalf("ReclaimStuck() = (%d, %d), want the healthy lease recovered", reclaimed, archived)
	}

	gotStuck, err := s.Get(ctx, stuck.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotStuck.Status != bridge.StatusPending || gotStuck.RetryCount != 1 {
		t.Errorf("healthy stuck row = %+v, want pending retry_count 1", gotStuck)
	}

	status, lastError := rowStatus(t, s, bad.ID)
	if status != "failed" || lastError != "integrity" {
		t.Errorf("corrupt row = (%s, %q), want (failed, integrity)", status, lastError)
	}

	// The sweep stays clean once the corrupt row is out of the way.
	if _, _, err := s.ReclaimStuck(ctx, time.Now().UTC()); err != nil {
		t.Errorf("second ReclaimStuck() error = %v", err)
	}
}

func TestExpireDueSurvivesUndecodableRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Now().UTC()
	due := testMessage("t/due", bridge.PriorityNormal)
	due.ExpireAt = now.Add(-time.Minute)
	bad := testMessage("t/bad", bridge.PriorityNormal)
	bad.ExpireAt = now.Add(-time.Minute)
	for _, m := range []*bridge.Message{due, bad} {
		if err := s.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	corruptPriority(t, s, bad.ID)

	expired, err := s.ExpireDue(ctx, now)
	if err != nil {
		t.Fatalf("ExpireDue() error = %v", err)
	}
	if expired != 1 {
		t.Fatalf("ExpireDue() = %d, want 1", expired)
	}

	gotDue, err := s.Get(ctx, due.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotDue.Status != bridge.StatusExpired {
		t.Errorf("due row = %+v, want expired", gotDue)
	}
	status, lastError := rowStatus(t, s, bad.ID)
	if status != "failed" || lastError != "integrity" {
		t.Errorf("corrupt row = (%s, %q), want (failed, integrity)", status, lastError)
	}
}

func TestCleanupRemovesOnlyOldCompleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	done := testMessage("t/done", bridge.PriorityNormal)
	pending := testMessage("t/pending", bridge.PriorityNormal)
	for _, m := range []*bridge.Message{done, pending} {
		if err := s.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Claim(ctx, 1, "w", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(ctx, done.ID); err != nil {
		t.Fatal(err)
	}

	n, err := s.Cleanup(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Cleanup() = %d, want 1", n)
	}
	if _, err := s.Get(ctx, done.ID); !errors.Is(err, bridge.ErrNotFound) {
		t.Errorf("completed row survived cleanup: %v", err)
	}
	if _, err := s.Get(ctx, pending.ID); err != nil {
		t.Errorf("pending row removed by cleanup: %v", err)
	}

	n, err = s.Cleanup(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil || n != 0 {
		t.Errorf("second Cleanup() = %d, %v; want 0, nil", n, err)
	}
}

func TestResetProcessingPreservesHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	m := testMessage("t/x", bridge.PriorityNormal)
	if err := s.Insert(ctx, m); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, 1, "w", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FailRetry(ctx, m.ID, "flaky", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, 1, "w", time.Minute); err != nil {
		t.Fatal(err)
	}

	n, err := s.ResetProcessing(ctx)
	if err != nil {
		t.Fatalf("ResetProcessing() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ResetProcessing() = %d, want 1", n)
	}

	got, _ := s.Get(ctx, m.ID)
	if got.Status != bridge.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.RetryCount != 1 || got.LastError != "flaky" {
		t.Errorf("reset dropped history: retry_count=%d last_error=%q", got.RetryCount, got.LastError)
	}
	if got.LeaseOwner != "" {
		t.Errorf("reset retained lease owner %q", got.LeaseOwner)
	}
}

func TestCoalescePending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	first := testMessage("t/sensor", bridge.PriorityNormal)
	first.Value = "1"
	if err := s.Insert(ctx, first); err != nil {
		t.Fatal(err)
	}

	update := testMessage("t/sensor", bridge.PriorityNormal)
	update.Value = "2"
	ok, err := s.CoalescePending(ctx, update)
	if err != nil {
		t.Fatalf("CoalescePending() error = %v", err)
	}
	if !ok {
		t.Fatal("CoalescePending() = false, want replacement of pending row")
	}

	got, _ := s.Get(ctx, first.ID)
	if got.Value != "2" {
		t.Errorf("coalesced value = %q, want 2", got.Value)
	}
	if n, _ := s.PendingCount(ctx); n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}

	// Different priority is a different stream; no coalescing.
	other := testMessage("t/sensor", bridge.PriorityHigh)
	ok, err = s.CoalescePending(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("CoalescePending() crossed priority streams")
	}

	// A processing row is never coalesced.
	if _, err := s.Claim(ctx, 1, "w", time.Minute); err != nil {
		t.Fatal(err)
	}
	ok, err = s.CoalescePending(ctx, update)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("CoalescePending() touched a processing row")
	}
}

func TestStatisticsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Now().UTC().Truncate(time.Hour)
	samples := []MetricSample{
		{Timestamp: base.Add(time.Minute), Name: bridge.MetricEnqueued, Value: 5},
		{Timestamp: base.Add(2 * time.Minute), Name: bridge.MetricEnqueued, Value: 3},
		{Timestamp: base.Add(3 * time.Minute), Name: bridge.MetricPendingCurrent, Value: 12},
	}
	if err := s.RecordMetrics(ctx, samples); err != nil {
		t.Fatalf("RecordMetrics() error = %v", err)
	}

	aggs, err := s.HourlyAggregates(ctx, base)
	if err != nil {
		t.Fatalf("HourlyAggregates() error = %v", err)
	}
	if len(aggs) != 2 {
		t.Fatalf("aggregates = %+v, want 2 buckets", aggs)
	}
	for _, a := range aggs {
		switch a.Name {
		case bridge.MetricEnqueued:
			if a.Sum != 8 || a.Count != 2 {
				t.Errorf("enqueued bucket = %+v", a)
			}
		case bridge.MetricPendingCurrent:
			if a.Avg != 12 || a.Count != 1 {
				t.Errorf("pending bucket = %+v", a)
			}
		}
	}

	n, err := s.PruneStatistics(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneStatistics() error = %v", err)
	}
	if n != 3 {
		t.Errorf("PruneStatistics() = %d, want 3", n)
	}
}

func TestTopTopics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.Insert(ctx, testMessage("t/busy", bridge.PriorityNormal)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Insert(ctx, testMessage("t/quiet", bridge.PriorityNormal)); err != nil {
		t.Fatal(err)
	}

	top, err := s.TopTopics(ctx, 5)
	if err != nil {
		t.Fatalf("TopTopics() error = %v", err)
	}
	if len(top) != 2 || top[0].TopicOrNode != "t/busy" || top[0].Count != 3 {
		t.Errorf("TopTopics() = %+v", top)
	}
}
