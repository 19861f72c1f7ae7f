// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package buffer

import (
	"context"
	"time"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/logging"
	"github.com/puente-io/puente/internal/metrics"
	"github.com/puente-io/puente/internal/store"
)

// Flusher periodically drains the buffer's interval counters into the
// statistics table and refreshes the depth gauges. It runs as a supervised
// service.
type Flusher struct {
	buf      *Buffer
	interval time.Duration
}

// NewFlusher creates a flusher on the configured stats interval.
func NewFlusher(buf *Buffer) *Flusher {
	return &Flusher{buf: buf, interval: buf.cfg.StatsFlushInterval()}
}

// Serve implements suture.Service.
func (f *Flusher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush so shutdown does not lose an interval.
			f.flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (f *Flusher) String() string {
	return "stats-flusher"
}

func (f *Flusher) flush(ctx context.Context) {
	now := time.Now().UTC()
	samples := make([]store.MetricSample, 0, 8)

	add := func(name string, v int64) {
		if v != 0 {
			samples = append(samples, store.MetricSample{Timestamp: now, Name: name, Value: float64(v)})
		}
	}
	add(bridge.MetricEnqueued, f.buf.enqueued.Swap(0))
	add(bridge.MetricCompleted, f.buf.completed.Swap(0))
	add(bridge.MetricFailed, f.buf.failed.Swap(0))
	add(bridge.MetricExpired, f.buf.expired.Swap(0))
	add(bridge.MetricRetried, f.buf.retried.Swap(0))

	counts, err := f.buf.store.StatusCounts(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("stats flush: status counts failed")
	} else {
		pending := counts[bridge.StatusPending]
		processing := counts[bridge.StatusProcessing]
		metrics.PendingDepth.Set(float64(pending))
		metrics.ProcessingDepth.Set(float64(processing))
		samples = append(samples,
			store.MetricSample{Timestamp: now, Name: bridge.MetricPendingCurrent, Value: float64(pending)},
			store.MetricSample{Timestamp: now, Name: bridge.MetricProcessingCurrent, Value: float64(processing)},
		)
	}

	perMin, err := f.buf.store.ThroughputPerMinute(ctx, now, time.Minute)
	if err == nil {
		samples = append(samples, store.MetricSample{
			Timestamp: now, Name: bridge.MetricThroughputPerMin, Value: perMin})
	}

	if err := f.buf.store.RecordMetrics(ctx, samples); err != nil {
		logging.Warn().Err(err).Msg("stats flush failed")
	}
}
