// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package egress

import (
	"context"
	"fmt"

	"github.com/gopcua/opcua/ua"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/metrics"
	"github.com/puente-io/puente/internal/wire"
)

// uaWriter is the slice of *opcua.Client the writer needs; tests substitute
// a fake.
type uaWriter interface {
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
}

// OPCUAWriter delivers buffered messages as OPC-UA attribute writes.
type OPCUAWriter struct {
	client uaWriter
}

// NewOPCUAWriter wraps a connected client.
func NewOPCUAWriter(client uaWriter) *OPCUAWriter {
	return &OPCUAWriter{client: client}
}

// Name implements dispatch.Deliverer.
func (w *OPCUAWriter) Name() string { return "opcua-writer" }

// Deliver writes the message's native value to its node. Bad node ids, type
// mismatches, and coercion failures are permanent; transport faults and
// server-side transient statuses are retryable.
func (w *OPCUAWriter) Deliver(ctx context.Context, m *bridge.Message) error {
	nodeID, err := ua.ParseNodeID(m.TopicOrNode)
	if err != nil {
		metrics.AdapterErrors.WithLabelValues("opcua", "permanent").Inc()
		return bridge.NewPermanentError(fmt.Sprintf("bad node id %q", m.TopicOrNode), err)
	}

	native, err := wire.ToNative(m.DataType, m.Value)
	if err != nil {
		metrics.AdapterErrors.WithLabelValues("opcua", "permanent").Inc()
		return err // already a PermanentError carrying "coerce ..."
	}
	variant, err := ua.NewVariant(native)
	if err != nil {
		metrics.AdapterErrors.WithLabelValues("opcua", "permanent").Inc()
		return bridge.NewPermanentError(
			fmt.Sprintf("variant for %s value %q", m.DataType, m.Value), err)
	}

	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nodeID,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	}

	resp, err := w.client.Write(ctx, req)
	if err != nil {
		metrics.AdapterErrors.WithLabelValues("opcua", "retryable").Inc()
		return bridge.NewRetryableError(fmt.Sprintf("write %s", m.TopicOrNode), err)
	}
	if len(resp.Results) == 0 {
		metrics.AdapterErrors.WithLabelValues("opcua", "retryable").Inc()
		return bridge.NewRetryableError(fmt.Sprintf("write %s: empty response", m.TopicOrNode), nil)
	}

	status := resp.Results[0]
	if status == ua.StatusOK {
		return nil
	}
	if permanentStatus(status) {
		metrics.AdapterErrors.WithLabelValues("opcua", "permanent").Inc()
		return bridge.NewPermanentError(
			fmt.Sprintf("write %s rejected: %s", m.TopicOrNode, status), nil)
	}
	metrics.AdapterErrors.WithLabelValues("opcua", "retryable").Inc()
	return bridge.NewRetryableError(fmt.Sprintf("write %s: %s", m.TopicOrNode, status), nil)
}

// permanentStatus classifies server status codes that no retry can fix.
func permanentStatus(status ua.StatusCode) bool {
	switch status {
	case ua.StatusBadNodeIDUnknown,
		ua.StatusBadNodeIDInvalid,
		ua.StatusBadTypeMismatch,
		ua.StatusBadNotWritable,
		ua.StatusBadOutOfRange,
		ua.StatusBadUserAccessDenied:
		return true
	}
	return false
}
