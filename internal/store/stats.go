// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/puente-io/puente/internal/bridge"
)

// MetricSample is one point in the statistics table.
type MetricSample struct {
	Timestamp time.Time
	Name      string
	Value     float64
}

// RecordMetrics appends a batch of samples in one transaction.
func (s *Store) RecordMetrics(ctx context.Context, samples []MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO statistics (timestamp, metric_name, metric_value)
			VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("%w: prepare stats: %v", bridge.ErrStoreUnavailable, err)
		}
		defer stmt.Close()
		for _, sm := range samples {
			if _, err := stmt.ExecContext(ctx, toMillis(sm.Timestamp), sm.Name, sm.Value); err != nil {
				return fmt.Errorf("%w: record stats: %v", bridge.ErrStoreUnavailable, err)
			}
		}
		return nil
	})
}

// StatusCounts returns the live row count per status.
func (s *Store) StatusCounts(ctx context.Context) (map[bridge.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("%w: status counts: %v", bridge.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	counts := map[bridge.Status]int{
		bridge.StatusPending:    0,
		bridge.StatusProcessing: 0,
		bridge.StatusCompleted:  0,
		bridge.StatusFailed:     0,
		bridge.StatusExpired:    0,
	}
	for rows.Next() {
		var st bridge.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("%w: status counts: %v", bridge.ErrStoreUnavailable, err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// PendingCount returns the number of pending rows. The buffer's soft cap
// checks this on enqueue.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: pending count: %v", bridge.ErrStoreUnavailable, err)
	}
	return n, nil
}

// ArchiveCount returns the number of archived failed_messages rows.
func (s *Store) ArchiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_messages`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: archive count: %v", bridge.ErrStoreUnavailable, err)
	}
	return n, nil
}

// ListPending returns up to limit pending rows in claim order.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*bridge.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'pending'
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %v", bridge.ErrStoreUnavailable, err)
	}
	msgs, _, err := collectMessages(rows)
	return msgs, err
}

// ListFailed returns up to limit archive rows, most recent first.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]*bridge.FailedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_id, source, destination, topic_or_node, value,
		       error_message, failed_at, retry_count
		FROM failed_messages
		ORDER BY failed_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list failed: %v", bridge.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*bridge.FailedMessage
	for rows.Next() {
		var fm bridge.FailedMessage
		var failedAt int64
		var errMsg sql.NullString
		if err := rows.Scan(
			&fm.ID, &fm.OriginalID, &fm.Source, &fm.Destination, &fm.TopicOrNode,
			&fm.Value, &errMsg, &failedAt, &fm.RetryCount,
		); err != nil {
			return nil, fmt.Errorf("%w: list failed: %v", bridge.ErrStoreUnavailable, err)
		}
		fm.ErrorMessage = errMsg.String
		fm.FailedAt = fromMillis(failedAt)
		out = append(out, &fm)
	}
	return out, rows.Err()
}

// ThroughputPerMinute computes completions per minute over the trailing
// window ending at now.
func (s *Store) ThroughputPerMinute(ctx context.Context, now time.Time, window time.Duration) (float64, error) {
	if window <= 0 {
		window = time.Minute
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE status = 'completed' AND processed_at > ?`,
		toMillis(now.Add(-window))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: throughput: %v", bridge.ErrStoreUnavailable, err)
	}
	return float64(n) / window.Minutes(), nil
}

// HourlyMetric is one exported aggregate bucket.
type HourlyMetric struct {
	Hour  time.Time `json:"hour"`
	Name  string    `json:"metric"`
	Sum   float64   `json:"sum"`
	Avg   float64   `json:"avg"`
	Count int       `json:"samples"`
}

// HourlyAggregates rolls the statistics table into per-hour buckets since
// the given instant. Counter metrics read the Sum column, gauges the Avg.
func (s *Store) HourlyAggregates(ctx context.Context, since time.Time) ([]HourlyMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT (timestamp / 3600000) * 3600000 AS hour,
		       metric_name, SUM(metric_value), AVG(metric_value), COUNT(*)
		FROM statistics
		WHERE timestamp >= ?
		GROUP BY hour, metric_name
		ORDER BY hour ASC, metric_name ASC`,
		toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("%w: hourly aggregates: %v", bridge.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []HourlyMetric
	for rows.Next() {
		var hm HourlyMetric
		var hour int64
		if err := rows.Scan(&hour, &hm.Name, &hm.Sum, &hm.Avg, &hm.Count); err != nil {
			return nil, fmt.Errorf("%w: hourly aggregates: %v", bridge.ErrStoreUnavailable, err)
		}
		hm.Hour = fromMillis(hour)
		out = append(out, hm)
	}
	return out, rows.Err()
}

// TopicCount pairs a routing key with its live message count.
type TopicCount struct {
	TopicOrNode string `json:"topic_or_node"`
	Count       int    `json:"count"`
}

// TopTopics returns the routing keys with the most non-terminal messages.
func (s *Store) TopTopics(ctx context.Context, limit int) ([]TopicCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic_or_node, COUNT(*) AS n
		FROM messages
		WHERE status IN ('pending', 'processing')
		GROUP BY topic_or_node
		ORDER BY n DESC, topic_or_node ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: top topics: %v", bridge.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []TopicCount
	for rows.Next() {
		var tc TopicCount
		if err := rows.Scan(&tc.TopicOrNode, &tc.Count); err != nil {
			return nil, fmt.Errorf("%w: top topics: %v", bridge.ErrStoreUnavailable, err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// PruneStatistics removes samples older than olderThan.
func (s *Store) PruneStatistics(ctx context.Context, olderThan time.Time) (int, error) {
	var removed int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM statistics WHERE timestamp < ?`, toMillis(olderThan))
		if err != nil {
			return fmt.Errorf("%w: prune statistics: %v", bridge.ErrStoreUnavailable, err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return int(removed), err
}
