// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package store

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/puente-io/puente/internal/logging"
)

// sidecarLock guards the store file against a second bridge process. It is a
// pidfile next to the database; holding it means no other live process owns
// the store.
type sidecarLock struct {
	path string
}

// acquireSidecarLock creates the pidfile exclusively. A leftover file from a
// dead process (unclean shutdown) is broken and re-acquired once.
func acquireSidecarLock(path string) (*sidecarLock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock file %s: %v", path, werr)
			}
			return &sidecarLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file %s: %w", path, err)
		}

		pid, perr := readLockPID(path)
		if perr == nil && processAlive(pid) {
			return nil, fmt.Errorf("store locked by running process %d (%s)", pid, path)
		}
		logging.Warn().Str("path", path).Int("pid", pid).
			Msg("breaking stale store lock")
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("remove stale lock file %s: %w", path, rerr)
		}
	}
	return nil, fmt.Errorf("lock file %s contended", path)
}

func (l *sidecarLock) release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		logging.Warn().Err(err).Str("path", l.path).Msg("release store lock failed")
	}
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed lock file %s: %w", path, err)
	}
	return pid, nil
}

// processAlive reports whether pid names a running process we can see.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
