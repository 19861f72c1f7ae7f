// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package bridge

import (
	"errors"
	"fmt"
)

// Sentinel errors for the buffer and store.
var (
	// ErrBufferFull is returned when a non-critical enqueue exceeds the
	// soft capacity.
	ErrBufferFull = errors.New("buffer full")

	// ErrStoreUnavailable indicates the store file cannot be opened or
	// written. Fatal after startup backoff is exhausted.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrIntegrity indicates schema or row-level corruption. The offending
	// row is quarantined to the archive and processing continues.
	ErrIntegrity = errors.New("integrity")

	// ErrNotFound is returned when an operation names a message id that
	// does not exist or is already terminal.
	ErrNotFound = errors.New("message not found")

	// ErrCancelled marks work abandoned because of shutdown.
	ErrCancelled = errors.New("cancelled")
)

// RetryableError marks a delivery failure that should be retried with
// backoff. Transport faults and timeouts are retryable.
type RetryableError struct {
	Reason string
	Err    error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable: %s: %v", e.Reason, e.Err)
	}
	return "retryable: " + e.Reason
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError marks a delivery failure that must not be retried: the
// message is archived immediately regardless of remaining budget. Type
// coercion failures are permanent.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent: %s: %v", e.Reason, e.Err)
	}
	return "permanent: " + e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NewRetryableError wraps err as a retryable delivery failure.
func NewRetryableError(reason string, err error) error {
	return &RetryableError{Reason: reason, Err: err}
}

// NewPermanentError wraps err as a permanent delivery failure.
func NewPermanentError(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// IsRetryableError reports whether err is classified retryable.
func IsRetryableError(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsPermanentError reports whether err is classified permanent.
func IsPermanentError(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
