// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/heimdallr/client"

// metrics holds the OpenTelemetry instruments of a session.
type metrics struct {
	role metric.MeasurementOption

	opsQueued     metric.Int64Counter
	opsFlushed    metric.Int64Counter
	opsDropped    metric.Int64Counter
	opsRejected   metric.Int64Counter
	packetsSent   metric.Int64Counter
	errorsTotal   metric.Int64Counter
	pendingCount  metric.Int64UpDownCounter
	sessionsReady metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter, role string) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &metrics{
		role: metric.WithAttributes(attribute.String("role", role)),
	}

	var err error
	if m.opsQueued, err = meter.Int64Counter(
		"heimdallr.operations.queued.total",
		metric.WithDescription("Operations deferred until the session is ready"),
	); err != nil {
		return nil, fmt.Errorf("failed to create opsQueued counter: %w", err)
	}
	if m.opsFlushed, err = meter.Int64Counter(
		"heimdallr.operations.flushed.total",
		metric.WithDescription("Deferred operations run when the session became ready"),
	); err != nil {
		return nil, fmt.Errorf("failed to create opsFlushed counter: %w", err)
	}
	if m.opsDropped, err = meter.Int64Counter(
		"heimdallr.operations.dropped.total",
		metric.WithDescription("Deferred operations discarded by timeout or close"),
	); err != nil {
		return nil, fmt.Errorf("failed to create opsDropped counter: %w", err)
	}
	if m.opsRejected, err = meter.Int64Counter(
		"heimdallr.operations.rejected.total",
		metric.WithDescription("Operations refused because the queue was full"),
	); err != nil {
		return nil, fmt.Errorf("failed to create opsRejected counter: %w", err)
	}
	if m.packetsSent, err = meter.Int64Counter(
		"heimdallr.packets.sent.total",
		metric.WithDescription("Packets emitted on the transport channel"),
	); err != nil {
		return nil, fmt.Errorf("failed to create packetsSent counter: %w", err)
	}
	if m.errorsTotal, err = meter.Int64Counter(
		"heimdallr.errors.total",
		metric.WithDescription("Asynchronous session errors by type"),
	); err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}
	if m.pendingCount, err = meter.Int64UpDownCounter(
		"heimdallr.operations.pending",
		metric.WithDescription("Operations currently waiting for readiness"),
	); err != nil {
		return nil, fmt.Errorf("failed to create pendingCount gauge: %w", err)
	}
	if m.sessionsReady, err = meter.Int64UpDownCounter(
		"heimdallr.sessions.ready",
		metric.WithDescription("Sessions currently in the ready state"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sessionsReady gauge: %w", err)
	}
	return m, nil
}

func (m *metrics) recordQueued(op string) {
	ctx := context.Background()
	m.opsQueued.Add(ctx, 1, m.role, metric.WithAttributes(attribute.String("operation", op)))
	m.pendingCount.Add(ctx, 1, m.role)
}

func (m *metrics) recordFlushed(op string) {
	ctx := context.Background()
	m.opsFlushed.Add(ctx, 1, m.role, metric.WithAttributes(attribute.String("operation", op)))
	m.pendingCount.Add(ctx, -1, m.role)
}

func (m *metrics) recordDropped(n int) {
	if n == 0 {
		return
	}
	ctx := context.Background()
	m.opsDropped.Add(ctx, int64(n), m.role)
	m.pendingCount.Add(ctx, -int64(n), m.role)
}

func (m *metrics) recordRejected(op string) {
	m.opsRejected.Add(context.Background(), 1, m.role, metric.WithAttributes(attribute.String("operation", op)))
}

func (m *metrics) recordSent(event string) {
	m.packetsSent.Add(context.Background(), 1, m.role, metric.WithAttributes(attribute.String("event", event)))
}

func (m *metrics) recordError(kind string) {
	m.errorsTotal.Add(context.Background(), 1, m.role, metric.WithAttributes(attribute.String("type", kind)))
}

func (m *metrics) recordReady(delta int64) {
	m.sessionsReady.Add(context.Background(), delta, m.role)
}
