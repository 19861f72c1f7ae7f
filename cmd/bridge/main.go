// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

// Command bridge runs the MQTT <-> OPC-UA bridge daemon.
//
// Exit codes: 0 clean shutdown, 1 configuration or runtime failure,
// 2 store unavailable, 3 store corruption.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/buffer"
	"github.com/puente-io/puente/internal/config"
	"github.com/puente-io/puente/internal/dispatch"
	"github.com/puente-io/puente/internal/egress"
	"github.com/puente-io/puente/internal/ingress"
	"github.com/puente-io/puente/internal/janitor"
	"github.com/puente-io/puente/internal/logging"
	"github.com/puente-io/puente/internal/mapping"
	"github.com/puente-io/puente/internal/metrics"
	"github.com/puente-io/puente/internal/store"
	"github.com/puente-io/puente/internal/supervisor"
	"github.com/puente-io/puente/internal/transport"
)

const (
	exitOK = iota
	exitFailure
	exitStore
	exitIntegrity
)

// exitCode maps a fatal error onto the documented exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, bridge.ErrIntegrity):
		return exitIntegrity
	case errors.Is(err, bridge.ErrStoreUnavailable):
		return exitStore
	default:
		return exitFailure
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitFailure
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Int("mappings", len(cfg.Mappings)).
		Str("db", cfg.Buffer.DBPath).Msg("puente starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Init order: store, buffer, mapping, adapters, dispatcher, janitor.
	st, err := store.Open(ctx, cfg.Buffer.DBPath)
	if err != nil {
		logging.Error().Err(err).Msg("store open failed")
		return exitCode(err)
	}
	defer st.Close()

	if err := st.IntegrityCheck(ctx); err != nil {
		logging.Error().Err(err).Msg("store integrity check failed")
		return exitCode(err)
	}

	// Leases from a previous crash go straight back to pending so the
	// backlog drains without waiting a full lease out.
	if reset, err := st.ResetProcessing(ctx); err != nil {
		logging.Error().Err(err).Msg("startup reset failed")
		return exitCode(err)
	} else if reset > 0 {
		logging.Warn().Int("messages", reset).Msg("recovered in-flight messages from previous run")
	}

	buf := buffer.New(st, cfg.Buffer)

	table, err := mapping.Build(cfg.Mappings, cfg.Buffer.MaxRetries)
	if err != nil {
		logging.Error().Err(err).Msg("mapping table rejected")
		return exitFailure
	}

	mqttClient, err := transport.DialMQTT(cfg.MQTT)
	if err != nil {
		logging.Error().Err(err).Msg("mqtt dial failed")
		return exitFailure
	}
	defer mqttClient.Disconnect(250)

	uaClient, err := transport.DialOPCUA(ctx, cfg.OPCUA)
	if err != nil {
		logging.Error().Err(err).Msg("opcua dial failed")
		return exitFailure
	}
	defer uaClient.Close(ctx)

	router := dispatch.NewRouter()
	router.Register(bridge.DestMQTT, egress.NewMQTTPublisher(mqttClient, cfg.MQTT.QoS))
	router.Register(bridge.DestOPCUA, egress.NewOPCUAWriter(uaClient))

	var sapConnector *egress.SAPConnector
	if cfg.SAP.Enabled {
		sapConnector = egress.NewSAPConnector(cfg.SAP)
		router.Register(bridge.DestSAP, sapConnector)
	}

	pusher := ingress.NewPusher(buf, table)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	for _, w := range dispatch.NewPool(buf, router, cfg.Buffer) {
		tree.AddPipelineService(w)
	}
	tree.AddPipelineService(janitor.New(buf, cfg.Buffer))
	tree.AddPipelineService(buffer.NewFlusher(buf))

	tree.AddTransportService(ingress.NewMQTTSubscriber(
		mqttClient, pusher, table, cfg.MQTT.QoS, cfg.SAP.Mappings))
	tree.AddTransportService(ingress.NewOPCUAMonitor(
		uaClient, pusher, table, cfg.OPCUA.SubscriptionIntervalMs))
	if cfg.SAP.Enabled {
		poller, err := ingress.NewSAPPoller(sapConnector, pusher, cfg.SAP)
		if err != nil {
			logging.Error().Err(err).Msg("sap mappings rejected")
			return exitFailure
		}
		tree.AddTransportService(poller)
	}

	if cfg.Monitoring.MetricsEnabled {
		tree.AddObservabilityService(metrics.NewServer(cfg.Monitoring.MetricsPort))
	}

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor exited")
		return exitFailure
	}
	logging.Info().Msg("puente stopped")
	return exitOK
}
