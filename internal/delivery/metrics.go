package delivery

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickrelay/internal/schema"
	"github.com/coachpo/tickrelay/internal/telemetry"
)

type deliveryMetrics struct {
	sent          metric.Int64Counter
	dropped       metric.Int64Counter
	retries       metric.Int64Counter
	writeDuration metric.Float64Histogram
	connections   metric.Int64Counter
}

func newDeliveryMetrics() *deliveryMetrics {
	meter := otel.Meter("delivery")
	m := new(deliveryMetrics)
	m.sent, _ = meter.Int64Counter("relay.delivery.sent",
		metric.WithDescription("Messages written to the downstream connection"),
		metric.WithUnit("{message}"))
	m.dropped, _ = meter.Int64Counter("relay.delivery.dropped",
		metric.WithDescription("Messages refused by a full or closed queue"),
		metric.WithUnit("{message}"))
	m.retries, _ = meter.Int64Counter("relay.delivery.retries",
		metric.WithDescription("Failed writes that will be retried on the next connection"),
		metric.WithUnit("{write}"))
	m.writeDuration, _ = meter.Float64Histogram("relay.delivery.write.duration",
		metric.WithDescription("Time spent writing one framed message"),
		metric.WithUnit("ms"))
	m.connections, _ = meter.Int64Counter("relay.delivery.connections",
		metric.WithDescription("Downstream connection lifecycle events"),
		metric.WithUnit("{event}"))
	return m
}

func (m *deliveryMetrics) recordSent(tag schema.MessageType, took time.Duration) {
	if m == nil || m.sent == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.MessageAttributes(telemetry.Environment(), string(tag))...)
	m.sent.Add(context.Background(), 1, attrs)
	if m.writeDuration != nil {
		m.writeDuration.Record(context.Background(), float64(took.Microseconds())/1000, attrs)
	}
}

func (m *deliveryMetrics) recordDropped(tag schema.MessageType) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(telemetry.MessageAttributes(telemetry.Environment(), string(tag))...))
}

func (m *deliveryMetrics) recordRetry(tag schema.MessageType) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(context.Background(), 1, metric.WithAttributes(telemetry.MessageAttributes(telemetry.Environment(), string(tag))...))
}

func (m *deliveryMetrics) recordConnection(peer, state string) {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Add(context.Background(), 1, metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), peer, state)...))
}
