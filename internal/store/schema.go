// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema. Timestamps are UTC unix milliseconds. The four indices back the
// claim ordering, TTL scans, stuck-lease recovery, and retention cleanup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		topic_or_node TEXT NOT NULL,
		value TEXT NOT NULL,
		data_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 2,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 5,
		created_at INTEGER NOT NULL,
		processed_at INTEGER,
		expire_at INTEGER NOT NULL,
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		lease_owner TEXT,
		lease_deadline INTEGER,
		last_error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_claim
		ON messages(status, priority, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_expire
		ON messages(expire_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_lease
		ON messages(status, lease_deadline)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_processed
		ON messages(processed_at)`,
	`CREATE TABLE IF NOT EXISTS failed_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		original_id INTEGER NOT NULL,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		topic_or_node TEXT NOT NULL,
		value TEXT NOT NULL,
		error_message TEXT,
		failed_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_failed_failed_at
		ON failed_messages(failed_at)`,
	`CREATE TABLE IF NOT EXISTS statistics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		metric_name TEXT NOT NULL,
		metric_value REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_statistics_ts
		ON statistics(timestamp)`,
}

func (s *Store) initSchema(ctx context.Context) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("schema statement failed: %w", err)
			}
		}
		return nil
	})
}
