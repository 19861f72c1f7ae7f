// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

// Package store implements the durable message store on a single SQLite
// file. All mutations run through one writer lane; reads are concurrent.
// The file is opened in WAL mode so readers never block a committing
// writer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/logging"
)

// openRetryCeiling bounds the startup retry window for a store that cannot
// be opened (disk contention, slow mounts). After this, startup fails with
// bridge.ErrStoreUnavailable.
const openRetryCeiling = 30 * time.Second

// Store is the transactional persistence layer beneath the buffer.
type Store struct {
	db   *sql.DB
	lock *sidecarLock

	// writer serializes every mutating transaction. Claim correctness
	// depends on it: two workers can never interleave the select and the
	// update halves of a claim.
	writer chan struct{}
}

// Open opens (or creates) the store file at path, acquires the sidecar
// lock, and initializes the schema. Open failures are retried with
// exponential backoff up to 30s.
func Open(ctx context.Context, path string) (*Store, error) {
	lock, err := acquireSidecarLock(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrStoreUnavailable, err)
	}

	var db *sql.DB
	var lastErr error
	delay := time.Second
	deadline := time.Now().Add(openRetryCeiling)
	for {
		db, lastErr = openDB(ctx, path)
		if lastErr == nil {
			break
		}
		if time.Now().Add(delay).After(deadline) {
			lock.release()
			return nil, fmt.Errorf("%w: %v", bridge.ErrStoreUnavailable, lastErr)
		}
		logging.Warn().Err(lastErr).Dur("retry_in", delay).Str("path", path).
			Msg("store open failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lock.release()
			return nil, fmt.Errorf("%w: %v", bridge.ErrCancelled, ctx.Err())
		}
		delay *= 2
	}

	s := &Store{db: db, lock: lock, writer: make(chan struct{}, 1)}
	if err := s.initSchema(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: init schema: %v", bridge.ErrStoreUnavailable, err)
	}
	logging.Info().Str("path", path).Msg("store opened")
	return s, nil
}

// OpenShared opens the store without taking the sidecar lock. The operator
// CLI uses it to inspect and maintain a store a running bridge may own;
// SQLite's own locking arbitrates the writes.
func OpenShared(ctx context.Context, path string) (*Store, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrStoreUnavailable, err)
	}
	s := &Store{db: db, writer: make(chan struct{}, 1)}
	if err := s.initSchema(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: init schema: %v", bridge.ErrStoreUnavailable, err)
	}
	return s, nil
}

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; keep a small pool for concurrent readers.
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// Close releases the sidecar lock and closes the database.
func (s *Store) Close() error {
	if s.lock != nil {
		s.lock.release()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// acquireWriter takes the writer lane, honoring cancellation.
func (s *Store) acquireWriter(ctx context.Context) error {
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", bridge.ErrCancelled, ctx.Err())
	}
}

func (s *Store) releaseWriter() {
	<-s.writer
}

// withWriteTx runs fn inside a single write transaction on the writer lane.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.acquireWriter(ctx); err != nil {
		return err
	}
	defer s.releaseWriter()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", bridge.ErrStoreUnavailable, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", bridge.ErrStoreUnavailable, err)
	}
	return nil
}

// IntegrityCheck runs SQLite's integrity check. A non-"ok" result means the
// file is corrupt; callers surface this as exit code 3.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", bridge.ErrStoreUnavailable, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", bridge.ErrIntegrity, result)
	}
	return nil
}

// timestamps persist as UTC unix milliseconds.

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return fromMillis(ms.Int64)
}
