// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/config"
	"github.com/puente-io/puente/internal/logging"
	"github.com/puente-io/puente/internal/mapping"
)

// Fetcher reads the current value of a SAP resource. The egress connector
// implements it; tests substitute a fake.
type Fetcher interface {
	Fetch(ctx context.Context, resourcePath string) (string, error)
}

// compiled sap_to_bridge route
type sapRoute struct {
	mappingID    string
	resourcePath string
	destination  bridge.Destination
	target       string
	dataType     bridge.DataType
	priority     bridge.Priority
	transform    mapping.Transform
}

// SAPPoller periodically reads mapped SAP resources and enqueues changed
// values toward their bridge destination.
type SAPPoller struct {
	fetcher  Fetcher
	pusher   *Pusher
	interval time.Duration
	routes   []sapRoute

	// last seen value per mapping id, to suppress unchanged polls
	lastSeen map[string]string
}

// NewSAPPoller compiles the sap_to_bridge mappings. A mapping with a bad
// transform or priority fails construction.
func NewSAPPoller(fetcher Fetcher, pusher *Pusher, cfg config.SAPConfig) (*SAPPoller, error) {
	p := &SAPPoller{
		fetcher:  fetcher,
		pusher:   pusher,
		interval: cfg.PollInterval(),
		lastSeen: make(map[string]string),
	}
	for i, sm := range cfg.Mappings {
		if sm.Direction != "sap_to_bridge" && sm.Direction != "bidirectional" {
			continue
		}
		prio, err := bridge.ParsePriority(sm.Priority)
		if err != nil {
			return nil, fmt.Errorf("sap mapping %d (%s): %w", i, sm.MappingID, err)
		}
		transform, err := mapping.ParseTransform(sm.Transform)
		if err != nil {
			return nil, fmt.Errorf("sap mapping %d (%s): %w", i, sm.MappingID, err)
		}
		p.routes = append(p.routes, sapRoute{
			mappingID:    sm.MappingID,
			resourcePath: sm.ResourcePath,
			destination:  bridge.Destination(sm.Destination),
			target:       sm.Target,
			dataType:     bridge.DataType(sm.DataType),
			priority:     prio,
			transform:    transform,
		})
	}
	return p, nil
}

// Serve implements suture.Service.
func (p *SAPPoller) Serve(ctx context.Context) error {
	if len(p.routes) == 0 {
		logging.Info().Msg("sap poller: no inbound mappings, idling")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	logging.Info().Int("mappings", len(p.routes)).Dur("interval", p.interval).
		Msg("sap poller started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (p *SAPPoller) String() string {
	return "sap-poller"
}

func (p *SAPPoller) poll(ctx context.Context) {
	for _, route := range p.routes {
		raw, err := p.fetcher.Fetch(ctx, route.resourcePath)
		if err != nil {
			logging.Warn().Err(err).Str("mapping", route.mappingID).
				Msg("sap poll failed")
			continue
		}
		if prev, seen := p.lastSeen[route.mappingID]; seen && prev == raw {
			continue
		}
		p.lastSeen[route.mappingID] = raw

		m := &bridge.Message{
			Source:      bridge.SourceSAP,
			Destination: route.destination,
			TopicOrNode: route.target,
			DataType:    route.dataType,
			Priority:    route.priority,
		}
		p.pusher.PushRaw(ctx, m, raw, route.transform, true)
	}
}
