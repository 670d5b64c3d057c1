// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the client instruments. Without a configured meter provider
// these are no-ops.
type metrics struct {
	requests     metric.Int64Counter
	requestFails metric.Int64Counter
	msgsSent     metric.Int64Counter
	msgsReceived metric.Int64Counter
	reconnects   metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("github.com/magnetsystems/mmx-go/client")
	m := &metrics{}
	m.requests, _ = meter.Int64Counter("mmx.client.requests",
		metric.WithDescription("Requests sent to the server"))
	m.requestFails, _ = meter.Int64Counter("mmx.client.request_failures",
		metric.WithDescription("Requests that returned an error or timed out"))
	m.msgsSent, _ = meter.Int64Counter("mmx.client.messages_sent",
		metric.WithDescription("Point-to-point messages and topic publishes sent"))
	m.msgsReceived, _ = meter.Int64Counter("mmx.client.messages_received",
		metric.WithDescription("Messages and topic items delivered to listeners"))
	m.reconnects, _ = meter.Int64Counter("mmx.client.reconnects",
		metric.WithDescription("Automatic reconnection attempts"))
	return m
}

func (m *metrics) countRequest(ctx context.Context, command string, err error) {
	attrs := metric.WithAttributes(attribute.String("command", command))
	m.requests.Add(ctx, 1, attrs)
	if err != nil {
		m.requestFails.Add(ctx, 1, attrs)
	}
}
