// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/monitor"

	"github.com/puente-io/puente/internal/logging"
	"github.com/puente-io/puente/internal/mapping"
)

// OPCUAMonitor subscribes to data changes on every mapped node and pushes
// them toward MQTT.
type OPCUAMonitor struct {
	client   *opcua.Client
	pusher   *Pusher
	table    *mapping.Table
	interval time.Duration
}

// NewOPCUAMonitor builds the monitor with the configured publishing interval.
func NewOPCUAMonitor(client *opcua.Client, pusher *Pusher, table *mapping.Table, intervalMs int) *OPCUAMonitor {
	return &OPCUAMonitor{
		client:   client,
		pusher:   pusher,
		table:    table,
		interval: time.Duration(intervalMs) * time.Millisecond,
	}
}

// Serve implements suture.Service. A subscription fault returns an error so
// the supervisor restarts the monitor with fresh state.
func (o *OPCUAMonitor) Serve(ctx context.Context) error {
	nodes := o.table.NodeIDs()
	if len(nodes) == 0 {
		logging.Warn().Msg("opcua monitor: no mapped nodes, idling")
		<-ctx.Done()
		return ctx.Err()
	}

	m, err := monitor.NewNodeMonitor(o.client)
	if err != nil {
		return fmt.Errorf("opcua monitor: %w", err)
	}

	ch := make(chan *monitor.DataChangeMessage, 64)
	sub, err := m.ChanSubscribe(ctx, &opcua.SubscriptionParameters{Interval: o.interval}, ch, nodes...)
	if err != nil {
		return fmt.Errorf("opcua subscribe %d nodes: %w", len(nodes), err)
	}
	defer sub.Unsubscribe(ctx)
	logging.Info().Int("nodes", len(nodes)).Dur("interval", o.interval).
		Msg("opcua monitoring data changes")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("opcua monitor: subscription channel closed")
			}
			if msg.Error != nil {
				logging.Warn().Err(msg.Error).Msg("opcua data change error")
				continue
			}
			if msg.Value == nil {
				continue
			}
			o.pusher.PushNode(ctx, msg.NodeID.String(), msg.Value.Value())
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (o *OPCUAMonitor) String() string {
	return "opcua-monitor"
}
