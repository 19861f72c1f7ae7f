// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

// Package dispatch runs the worker pool that drains the buffer into the
// egress adapters. Workers are independent supervised services contending
// over the store through atomic claims.
package dispatch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/buffer"
	"github.com/puente-io/puente/internal/config"
	"github.com/puente-io/puente/internal/logging"
	"github.com/puente-io/puente/internal/metrics"
)

// Deliverer is the egress adapter contract. Deliver returns nil on success,
// a bridge.RetryableError or bridge.PermanentError otherwise. Unclassified
// errors are treated as retryable.
type Deliverer interface {
	Deliver(ctx context.Context, m *bridge.Message) error
	Name() string
}

// Router resolves a message's destination to its adapter.
type Router struct {
	adapters map[bridge.Destination]Deliverer
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{adapters: make(map[bridge.Destination]Deliverer)}
}

// Register binds an adapter to a destination.
func (r *Router) Register(dest bridge.Destination, d Deliverer) {
	r.adapters[dest] = d
}

// Resolve returns the adapter for dest.
func (r *Router) Resolve(dest bridge.Destination) (Deliverer, bool) {
	d, ok := r.adapters[dest]
	return d, ok
}

// idle backoff bounds between empty claims.
const (
	idleBackoffMin = 50 * time.Millisecond
	idleBackoffMax = 2 * time.Second
)

// Worker is one dispatch loop. It claims a batch, delivers each message
// under the per-message timeout, and settles the outcome.
type Worker struct {
	id     string
	buf    *buffer.Buffer
	router *Router
	cfg    config.BufferConfig
}

// NewWorker creates a worker with a unique identity for lease attribution.
func NewWorker(buf *buffer.Buffer, router *Router, cfg config.BufferConfig) *Worker {
	return &Worker{
		id:     "worker-" + uuid.NewString()[:8],
		buf:    buf,
		router: router,
		cfg:    cfg,
	}
}

// NewPool creates cfg.WorkerThreads workers.
func NewPool(buf *buffer.Buffer, router *Router, cfg config.BufferConfig) []*Worker {
	n := cfg.WorkerThreads
	if n < 1 {
		n = 1
	}
	workers := make([]*Worker, n)
	for i := range workers {
		workers[i] = NewWorker(buf, router, cfg)
	}
	return workers
}

// Serve implements suture.Service. On shutdown the in-flight batch is
// settled before returning; anything still leased is reclaimed by the next
// janitor sweep.
func (w *Worker) Serve(ctx context.Context) error {
	logging.Info().Str("worker", w.id).Msg("dispatch worker started")
	idle := idleBackoffMin

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := w.buf.Claim(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("worker %s: claim: %w", w.id, err)
		}

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idle):
			}
			idle *= 2
			if idle > idleBackoffMax {
				idle = idleBackoffMax
			}
			continue
		}
		idle = idleBackoffMin

		for _, m := range batch {
			w.process(ctx, m)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (w *Worker) String() string {
	return w.id
}

// process delivers one message and settles the result. Settlement uses a
// cancellation-detached context so a shutdown mid-batch cannot strand an
// outcome.
func (w *Worker) process(ctx context.Context, m *bridge.Message) {
	adapter, ok := w.router.Resolve(m.Destination)
	if !ok {
		w.settle(ctx, m, bridge.NewPermanentError(
			fmt.Sprintf("no adapter for destination %q", m.Destination), nil))
		return
	}

	start := time.Now()
	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.MessageTimeout())
	err := adapter.Deliver(deliverCtx, m)
	cancel()
	metrics.DeliveryDuration.WithLabelValues(string(m.Destination)).
		Observe(time.Since(start).Seconds())

	w.settle(ctx, m, err)
}

func (w *Worker) settle(ctx context.Context, m *bridge.Message, deliverErr error) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch {
	case deliverErr == nil:
		if err := w.buf.Complete(settleCtx, m); err != nil {
			logging.Error().Err(err).Int64("id", m.ID).Str("worker", w.id).
				Msg("complete failed")
		}

	case bridge.IsPermanentError(deliverErr):
		if err := w.buf.FailPermanent(settleCtx, m, deliverErr.Error()); err != nil {
			logging.Error().Err(err).Int64("id", m.ID).Str("worker", w.id).
				Msg("fail-permanent failed")
		}

	default:
		// Retryable, or an unclassified fault treated as retryable.
		backoff := Backoff(m.RetryCount, w.cfg.BaseBackoff(), w.cfg.MaxBackoff())
		st, err := w.buf.FailRetry(settleCtx, m, deliverErr.Error(), backoff)
		if err != nil {
			logging.Error().Err(err).Int64("id", m.ID).Str("worker", w.id).
				Msg("fail-retry failed")
			return
		}
		if st == bridge.StatusPending {
			logging.Debug().Int64("id", m.ID).Str("worker", w.id).
				Dur("backoff", backoff).Int("retry", m.RetryCount+1).
				Str("error", deliverErr.Error()).Msg("delivery failed, retry scheduled")
		}
	}
}

// Backoff computes min(base * 2^retryCount, max) with +-20% jitter. The
// result never falls below zero and is capped before jitter so the ceiling
// holds within the jitter band.
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	backoff := base
	for i := 0; i < retryCount && backoff < max; i++ {
		backoff *= 2
	}
	if backoff > max {
		backoff = max
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(backoff) * jitter)
}
