// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/logging"
)

const messageColumns = `id, source, destination, topic_or_node, value, data_type,
	status, priority, retry_count, max_retries,
	created_at, processed_at, expire_at, next_attempt_at,
	lease_owner, lease_deadline, last_error`

// Insert persists a new pending message and assigns its id.
func (s *Store) Insert(ctx context.Context, m *bridge.Message) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (
				source, destination, topic_or_node, value, data_type,
				status, priority, retry_count, max_retries,
				created_at, expire_at, next_attempt_at
			) VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?)`,
			m.Source, m.Destination, m.TopicOrNode, m.Value, m.DataType,
			m.Priority, m.RetryCount, m.MaxRetries,
			toMillis(m.CreatedAt), toMillis(m.ExpireAt), toMillis(m.NextAttemptAt),
		)
		if err != nil {
			return fmt.Errorf("%w: insert: %v", bridge.ErrStoreUnavailable, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("%w: insert id: %v", bridge.ErrStoreUnavailable, err)
		}
		m.ID = id
		m.Status = bridge.StatusPending
		return nil
	})
}

// CoalescePending replaces the value of an existing pending row for the same
// (destination, topic_or_node, priority) stream, refreshing its age and TTL.
// Returns false when no such row exists and the caller should insert.
func (s *Store) CoalescePending(ctx context.Context, m *bridge.Message) (bool, error) {
	coalesced := false
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET value = ?, data_type = ?, created_at = ?, expire_at = ?, next_attempt_at = ?
			WHERE id = (
				SELECT id FROM messages
				WHERE status = 'pending'
				  AND destination = ? AND topic_or_node = ? AND priority = ?
				LIMIT 1
			)`,
			m.Value, m.DataType, toMillis(m.CreatedAt), toMillis(m.ExpireAt),
			toMillis(m.NextAttemptAt),
			m.Destination, m.TopicOrNode, m.Priority,
		)
		if err != nil {
			return fmt.Errorf("%w: coalesce: %v", bridge.ErrStoreUnavailable, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: coalesce rows: %v", bridge.ErrStoreUnavailable, err)
		}
		coalesced = n > 0
		return nil
	})
	return coalesced, err
}

// Claim atomically selects up to limit eligible pending rows, marks them
// processing under a lease, and returns them ordered by (priority, age).
// Expired rows are never claimed; the janitor sweeps them.
func (s *Store) Claim(ctx context.Context, limit int, workerID string, lease time.Duration) ([]*bridge.Message, error) {
	now := time.Now().UTC()
	var claimed []*bridge.Message
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE messages
			SET status = 'processing', lease_owner = ?, lease_deadline = ?
			WHERE id IN (
				SELECT id FROM messages
				WHERE status = 'pending'
				  AND next_attempt_at <= ?
				  AND expire_at > ?
				ORDER BY priority ASC, created_at ASC, id ASC
				LIMIT ?
			)
			RETURNING `+messageColumns,
			workerID, toMillis(now.Add(lease)),
			toMillis(now), toMillis(now), limit,
		)
		if err != nil {
			return fmt.Errorf("%w: claim: %v", bridge.ErrStoreUnavailable, err)
		}
		msgs, corrupt, err := collectMessages(rows)
		if err != nil {
			return err
		}
		claimed = msgs
		// Undecodable rows were just marked processing by the UPDATE; archive
		// them here so they never sit leased.
		for _, id := range corrupt {
			if err := quarantineTx(ctx, tx, id, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// RETURNING order is unspecified; restore claim order.
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].Priority != claimed[j].Priority {
			return claimed[i].Priority < claimed[j].Priority
		}
		if !claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
		}
		return claimed[i].ID < claimed[j].ID
	})
	return claimed, nil
}

// Complete marks a processing message completed.
func (s *Store) Complete(ctx context.Context, id int64) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET status = 'completed', processed_at = ?,
			    lease_owner = NULL, lease_deadline = NULL
			WHERE id = ? AND status = 'processing'`,
			toMillis(time.Now().UTC()), id,
		)
		if err != nil {
			return fmt.Errorf("%w: complete: %v", bridge.ErrStoreUnavailable, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("%w: id %d", bridge.ErrNotFound, id)
		}
		return nil
	})
}

// FailRetry records a retryable failure. With remaining budget the message
// returns to pending gated by next_attempt_at = now + backoff; with the
// budget exhausted it is archived and marked failed. Returns the resulting
// status.
func (s *Store) FailRetry(ctx context.Context, id int64, errMsg string, backoff time.Duration) (bridge.Status, error) {
	var result bridge.Status
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		m, err := getMessageTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			return fmt.Errorf("%w: id %d is %s", bridge.ErrNotFound, id, m.Status)
		}

		now := time.Now().UTC()
		if m.RetryCount+1 <= m.MaxRetries {
			_, err = tx.ExecContext(ctx, `
				UPDATE messages
				SET status = 'pending', retry_count = retry_count + 1,
				    next_attempt_at = ?, last_error = ?,
				    lease_owner = NULL, lease_deadline = NULL
				WHERE id = ?`,
				toMillis(now.Add(backoff)), errMsg, id,
			)
			if err != nil {
				return fmt.Errorf("%w: fail-retry: %v", bridge.ErrStoreUnavailable, err)
			}
			result = bridge.StatusPending
			return nil
		}

		if err := archiveTx(ctx, tx, m, errMsg, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE messages
			SET status = 'failed', processed_at = ?, last_error = ?,
			    lease_owner = NULL, lease_deadline = NULL
			WHERE id = ?`,
			toMillis(now), errMsg, id,
		)
		if err != nil {
			return fmt.Errorf("%w: fail: %v", bridge.ErrStoreUnavailable, err)
		}
		result = bridge.StatusFailed
		return nil
	})
	return result, err
}

// FailPermanent archives a message and marks it failed immediately,
// regardless of remaining retry budget.
func (s *Store) FailPermanent(ctx context.Context, id int64, errMsg string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		m, err := getMessageTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			return fmt.Errorf("%w: id %d is %s", bridge.ErrNotFound, id, m.Status)
		}
		now := time.Now().UTC()
		if err := archiveTx(ctx, tx, m, errMsg, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE messages
			SET status = 'failed', processed_at = ?, last_error = ?,
			    lease_owner = NULL, lease_deadline = NULL
			WHERE id = ?`,
			toMillis(now), errMsg, id,
		)
		if err != nil {
			return fmt.Errorf("%w: fail-permanent: %v", bridge.ErrStoreUnavailable, err)
		}
		return nil
	})
}

// ExpireDue archives and expires every non-terminal row past its TTL.
// Returns the number of rows expired.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	var expired int
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE expire_at <= ? AND status IN ('pending', 'processing')`,
			toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("%w: expire scan: %v", bridge.ErrStoreUnavailable, err)
		}
		due, corrupt, err := collectMessages(rows)
		if err != nil {
			return err
		}
		for _, id := range corrupt {
			if err := quarantineTx(ctx, tx, id, now); err != nil {
				return err
			}
		}

		for _, m := range due {
			if err := archiveTx(ctx, tx, m, "ttl", now); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE messages
				SET status = 'expired', last_error = 'ttl',
				    lease_owner = NULL, lease_deadline = NULL
				WHERE id = ?`, m.ID,
			)
			if err != nil {
				return fmt.Errorf("%w: expire: %v", bridge.ErrStoreUnavailable, err)
			}
			expired++
		}
		return nil
	})
	return expired, err
}

// ReclaimStuck returns abandoned processing rows (lease elapsed) to pending
// with retry_count incremented. Rows whose budget the reclaim would exceed
// are archived as failed instead of cycling forever. Returns counts of
// reclaimed and archived rows.
func (s *Store) ReclaimStuck(ctx context.Context, now time.Time) (reclaimed, archived int, err error) {
	err = s.withWriteTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE status = 'processing' AND lease_deadline IS NOT NULL AND lease_deadline <= ?`,
			toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("%w: reclaim scan: %v", bridge.ErrStoreUnavailable, err)
		}
		stuck, corrupt, err := collectMessages(rows)
		if err != nil {
			return err
		}
		for _, id := range corrupt {
			if err := quarantineTx(ctx, tx, id, now); err != nil {
				return err
			}
		}

		for _, m := range stuck {
			if m.RetryCount+1 > m.MaxRetries {
				if err := archiveTx(ctx, tx, m, "lease expired", now); err != nil {
					return err
				}
				_, err = tx.ExecContext(ctx, `
					UPDATE messages
					SET status = 'failed', processed_at = ?, last_error = 'lease expired',
					    lease_owner = NULL, lease_deadline = NULL
					WHERE id = ?`,
					toMillis(now), m.ID,
				)
				if err != nil {
					return fmt.Errorf("%w: reclaim fail: %v", bridge.ErrStoreUnavailable, err)
				}
				archived++
				continue
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE messages
				SET status = 'pending', retry_count = retry_count + 1,
				    next_attempt_at = ?, lease_owner = NULL, lease_deadline = NULL
				WHERE id = ?`,
				toMillis(now), m.ID,
			)
			if err != nil {
				return fmt.Errorf("%w: reclaim: %v", bridge.ErrStoreUnavailable, err)
			}
			reclaimed++
		}
		return nil
	})
	return reclaimed, archived, err
}

// Cleanup removes completed rows processed before olderThan. Idempotent.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	var removed int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE status = 'completed' AND processed_at < ?`,
			toMillis(olderThan),
		)
		if err != nil {
			return fmt.Errorf("%w: cleanup: %v", bridge.ErrStoreUnavailable, err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return int(removed), err
}

// PruneExpired removes expired rows older than olderThan. Their archive
// entries remain.
func (s *Store) PruneExpired(ctx context.Context, olderThan time.Time) (int, error) {
	var removed int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE status = 'expired' AND expire_at < ?`,
			toMillis(olderThan),
		)
		if err != nil {
			return fmt.Errorf("%w: prune expired: %v", bridge.ErrStoreUnavailable, err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return int(removed), err
}

// PruneArchive removes failed_messages rows older than olderThan.
func (s *Store) PruneArchive(ctx context.Context, olderThan time.Time) (int, error) {
	var removed int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM failed_messages WHERE failed_at < ?`,
			toMillis(olderThan),
		)
		if err != nil {
			return fmt.Errorf("%w: prune archive: %v", bridge.ErrStoreUnavailable, err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return int(removed), err
}

// ResetProcessing returns every processing row to pending, clearing leases
// but preserving retry_count and last_error. Operator recovery verb, also
// run once at startup before workers begin.
func (s *Store) ResetProcessing(ctx context.Context) (int, error) {
	var reset int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET status = 'pending', next_attempt_at = ?,
			    lease_owner = NULL, lease_deadline = NULL
			WHERE status = 'processing'`,
			toMillis(time.Now().UTC()),
		)
		if err != nil {
			return fmt.Errorf("%w: reset: %v", bridge.ErrStoreUnavailable, err)
		}
		reset, _ = res.RowsAffected()
		return nil
	})
	return int(reset), err
}

// Quarantine archives a row with error "integrity" and marks it failed.
// Column values are copied in SQL rather than scanned, so it works on rows
// that can no longer be decoded.
func (s *Store) Quarantine(ctx context.Context, id int64) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return quarantineTx(ctx, tx, id, time.Now().UTC())
	})
}

// quarantineTx archives an undecodable row and marks it failed within the
// caller's transaction. The text columns carry whatever raw values remain;
// a non-numeric retry_count is recorded as 0 so the archive stays readable.
func quarantineTx(ctx context.Context, tx *sql.Tx, id int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO failed_messages (
			original_id, source, destination, topic_or_node, value,
			error_message, failed_at, retry_count
		)
		SELECT id, source, destination, topic_or_node, value,
		       'integrity', ?, CAST(retry_count AS INTEGER)
		FROM messages WHERE id = ?`,
		toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("%w: quarantine archive: %v", bridge.ErrStoreUnavailable, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE messages
		SET status = 'failed', processed_at = ?, last_error = 'integrity',
		    lease_owner = NULL, lease_deadline = NULL
		WHERE id = ?`,
		toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("%w: quarantine: %v", bridge.ErrStoreUnavailable, err)
	}
	return nil
}

// Get returns a message by id.
func (s *Store) Get(ctx context.Context, id int64) (*bridge.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", bridge.ErrNotFound, id)
	}
	return m, err
}

func getMessageTx(ctx context.Context, tx *sql.Tx, id int64) (*bridge.Message, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", bridge.ErrNotFound, id)
	}
	return m, err
}

func archiveTx(ctx context.Context, tx *sql.Tx, m *bridge.Message, errMsg string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO failed_messages (
			original_id, source, destination, topic_or_node, value,
			error_message, failed_at, retry_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Source, m.Destination, m.TopicOrNode, m.Value,
		errMsg, toMillis(now), m.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("%w: archive: %v", bridge.ErrStoreUnavailable, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(r rowScanner) (*bridge.Message, error) {
	var (
		m                       bridge.Message
		createdAt, expireAt     int64
		nextAttemptAt           int64
		processedAt, leaseDl    sql.NullInt64
		leaseOwner, lastError   sql.NullString
	)
	err := r.Scan(
		&m.ID, &m.Source, &m.Destination, &m.TopicOrNode, &m.Value, &m.DataType,
		&m.Status, &m.Priority, &m.RetryCount, &m.MaxRetries,
		&createdAt, &processedAt, &expireAt, &nextAttemptAt,
		&leaseOwner, &leaseDl, &lastError,
	)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = fromMillis(createdAt)
	m.ProcessedAt = nullMillis(processedAt)
	m.ExpireAt = fromMillis(expireAt)
	m.NextAttemptAt = fromMillis(nextAttemptAt)
	m.LeaseOwner = leaseOwner.String
	m.LeaseDeadline = nullMillis(leaseDl)
	m.LastError = lastError.String
	return &m, nil
}

// collectMessages drains and closes rows, separating rows that no longer
// decode. Corrupt rows come back by id so the caller can quarantine them in
// the same transaction; one bad row never aborts the scan.
func collectMessages(rows *sql.Rows) (msgs []*bridge.Message, corrupt []int64, err error) {
	defer rows.Close()
	for rows.Next() {
		m, scanErr := scanMessage(rows)
		if scanErr != nil {
			id, idErr := scanRowID(rows)
			if idErr != nil {
				return nil, nil, fmt.Errorf("%w: %v", bridge.ErrIntegrity, scanErr)
			}
			logging.Error().Err(scanErr).Int64("id", id).
				Msg("undecodable row, quarantining")
			corrupt = append(corrupt, id)
			continue
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", bridge.ErrStoreUnavailable, err)
	}
	return msgs, corrupt, nil
}

// scanRowID re-scans only the id of the current row, discarding the other
// columns. Scanning into bare interfaces cannot fail on a type mismatch, so
// a corrupt row can still be identified.
func scanRowID(rows *sql.Rows) (int64, error) {
	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	var id int64
	dest := make([]interface{}, len(cols))
	dest[0] = &id
	for i := 1; i < len(dest); i++ {
		dest[i] = new(interface{})
	}
	if err := rows.Scan(dest...); err != nil {
		return 0, err
	}
	return id, nil
}
