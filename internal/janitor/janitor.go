// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

// Package janitor runs the periodic maintenance sweep over the store:
// stuck-lease reclamation, TTL enforcement, retention cleanup, and the
// statistics snapshot. Each phase is an independent transaction so one
// failing phase never blocks the rest.
package janitor

import (
	"context"
	"time"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/buffer"
	"github.com/puente-io/puente/internal/config"
	"github.com/puente-io/puente/internal/logging"
	"github.com/puente-io/puente/internal/metrics"
	"github.com/puente-io/puente/internal/store"
)

// statisticsRetention bounds the statistics table independently of the
// message retention window.
const statisticsRetention = 30 * 24 * time.Hour

// Janitor is the supervised maintenance service.
type Janitor struct {
	buf      *buffer.Buffer
	interval time.Duration
	cfg      config.BufferConfig
}

// New creates a janitor on the configured cleanup interval.
func New(buf *buffer.Buffer, cfg config.BufferConfig) *Janitor {
	return &Janitor{buf: buf, interval: cfg.CleanupInterval(), cfg: cfg}
}

// Serve implements suture.Service. One sweep runs immediately at startup so
// a crashed process's leases are reclaimed before the backlog ages.
func (j *Janitor) Serve(ctx context.Context) error {
	j.Sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (j *Janitor) String() string {
	return "janitor"
}

// Sweep runs all maintenance phases once, in order. Phase failures are
// logged and recorded; the sweep always proceeds to the next phase.
func (j *Janitor) Sweep(ctx context.Context) {
	start := time.Now()
	now := start.UTC()
	st := j.buf.Store()

	reclaimed, archived, err := st.ReclaimStuck(ctx, now)
	j.observe("reclaim", err)
	if err != nil {
		logging.Error().Err(err).Msg("janitor: reclaim failed")
	} else if reclaimed > 0 || archived > 0 {
		metrics.JanitorReclaimed.Add(float64(reclaimed))
		logging.Warn().Int("reclaimed", reclaimed).Int("archived", archived).
			Msg("janitor: recovered abandoned leases")
	}

	expired, err := st.ExpireDue(ctx, now)
	j.observe("expire", err)
	if err != nil {
		logging.Error().Err(err).Msg("janitor: expire failed")
	} else if expired > 0 {
		j.buf.NoteExpired(expired)
		logging.Info().Int("expired", expired).Msg("janitor: expired messages past ttl")
	}

	if err := j.cleanup(ctx, now); err != nil {
		logging.Error().Err(err).Msg("janitor: cleanup failed")
	}

	if err := j.snapshot(ctx, now); err != nil {
		logging.Error().Err(err).Msg("janitor: snapshot failed")
	}

	metrics.JanitorSweepDuration.Observe(time.Since(start).Seconds())
}

func (j *Janitor) cleanup(ctx context.Context, now time.Time) error {
	st := j.buf.Store()
	cutoff := now.Add(-j.cfg.Retention())

	removed, err := st.Cleanup(ctx, cutoff)
	j.observe("cleanup", err)
	if err != nil {
		return err
	}
	prunedExpired, err := st.PruneExpired(ctx, cutoff)
	if err != nil {
		return err
	}
	prunedArchive, err := st.PruneArchive(ctx, cutoff)
	if err != nil {
		return err
	}
	prunedStats, err := st.PruneStatistics(ctx, now.Add(-statisticsRetention))
	if err != nil {
		return err
	}
	if removed+prunedExpired+prunedArchive+prunedStats > 0 {
		logging.Debug().Int("completed", removed).Int("expired", prunedExpired).
			Int("archive", prunedArchive).Int("statistics", prunedStats).
			Msg("janitor: retention sweep removed rows")
	}
	return nil
}

func (j *Janitor) snapshot(ctx context.Context, now time.Time) error {
	st := j.buf.Store()
	counts, err := st.StatusCounts(ctx)
	if err != nil {
		j.observe("snapshot", err)
		return err
	}
	pending := counts[bridge.StatusPending]
	processing := counts[bridge.StatusProcessing]
	// Gauges and statistics rows both refresh here as well as in the
	// flusher, so a wedged flusher still leaves a per-cycle trail.
	metrics.PendingDepth.Set(float64(pending))
	metrics.ProcessingDepth.Set(float64(processing))
	err = st.RecordMetrics(ctx, []store.MetricSample{
		{Timestamp: now, Name: bridge.MetricPendingCurrent, Value: float64(pending)},
		{Timestamp: now, Name: bridge.MetricProcessingCurrent, Value: float64(processing)},
	})
	j.observe("snapshot", err)
	return err
}

func (j *Janitor) observe(phase string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.JanitorSweeps.WithLabelValues(phase, outcome).Inc()
}
