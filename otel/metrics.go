// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel holds the OpenTelemetry metric instruments for the realtime
// core. Exporter and SDK wiring belong to the host application; the core
// records against the global meter.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by the core components.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesEnqueued metric.Int64Counter
	messagesSent     metric.Int64Counter
	messagesFailed   metric.Int64Counter
	messagesExpired  metric.Int64Counter
	messagesDropped  metric.Int64Counter

	// UpDownCounters
	queueDepth      metric.Int64UpDownCounter
	poolConnections metric.Int64UpDownCounter

	// Histograms
	sendLatency metric.Float64Histogram
}

// NewMetrics creates a Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("relaykit"),
	}

	var err error

	m.messagesEnqueued, err = m.meter.Int64Counter(
		"relay.queue.enqueued.total",
		metric.WithDescription("Total messages enqueued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesEnqueued counter: %w", err)
	}

	m.messagesSent, err = m.meter.Int64Counter(
		"relay.queue.sent.total",
		metric.WithDescription("Total messages sent successfully"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	m.messagesFailed, err = m.meter.Int64Counter(
		"relay.queue.failed.total",
		metric.WithDescription("Total messages moved to the failed list"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesFailed counter: %w", err)
	}

	m.messagesExpired, err = m.meter.Int64Counter(
		"relay.queue.expired.total",
		metric.WithDescription("Total messages expired by TTL"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesExpired counter: %w", err)
	}

	m.messagesDropped, err = m.meter.Int64Counter(
		"relay.queue.dropped.total",
		metric.WithDescription("Total messages dropped by overflow policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDropped counter: %w", err)
	}

	m.queueDepth, err = m.meter.Int64UpDownCounter(
		"relay.queue.depth",
		metric.WithDescription("Current pending queue depth"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDepth counter: %w", err)
	}

	m.poolConnections, err = m.meter.Int64UpDownCounter(
		"relay.pool.connections",
		metric.WithDescription("Current pool membership"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create poolConnections counter: %w", err)
	}

	m.sendLatency, err = m.meter.Float64Histogram(
		"relay.send.latency",
		metric.WithDescription("Send latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sendLatency histogram: %w", err)
	}

	return m, nil
}

// RecordEnqueued increments the enqueued counter and queue depth.
func (m *Metrics) RecordEnqueued(ctx context.Context, priority string) {
	if m == nil {
		return
	}
	m.messagesEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", priority)))
	m.queueDepth.Add(ctx, 1)
}

// RecordSent increments the sent counter, decrements depth, and records latency.
func (m *Metrics) RecordSent(ctx context.Context, latencyMs float64) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1)
	m.queueDepth.Add(ctx, -1)
	m.sendLatency.Record(ctx, latencyMs)
}

// RecordFailed increments the failed counter and decrements depth.
func (m *Metrics) RecordFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesFailed.Add(ctx, 1)
	m.queueDepth.Add(ctx, -1)
}

// RecordExpired increments the expired counter and decrements depth.
func (m *Metrics) RecordExpired(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesExpired.Add(ctx, 1)
	m.queueDepth.Add(ctx, -1)
}

// RecordDropped increments the dropped counter and decrements depth.
func (m *Metrics) RecordDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1)
	m.queueDepth.Add(ctx, -1)
}

// RecordConnectionAdded increments pool membership.
func (m *Metrics) RecordConnectionAdded(ctx context.Context) {
	if m == nil {
		return
	}
	m.poolConnections.Add(ctx, 1)
}

// RecordConnectionRemoved decrements pool membership.
func (m *Metrics) RecordConnectionRemoved(ctx context.Context) {
	if m == nil {
		return
	}
	m.poolConnections.Add(ctx, -1)
}
