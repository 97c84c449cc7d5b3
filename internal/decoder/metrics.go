package decoder

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickrelay/internal/telemetry"
)

type decoderMetrics struct {
	decoded metric.Int64Counter
	misses  metric.Int64Counter
}

func newDecoderMetrics() *decoderMetrics {
	meter := otel.Meter("decoder")
	m := new(decoderMetrics)
	m.decoded, _ = meter.Int64Counter("relay.decoder.events",
		metric.WithDescription("Frames decoded into typed events"),
		metric.WithUnit("{event}"))
	m.misses, _ = meter.Int64Counter("relay.decoder.misses",
		metric.WithDescription("Frames that produced no event"),
		metric.WithUnit("{frame}"))
	return m
}

func (m *decoderMetrics) recordDecoded(kind string) {
	if m == nil || m.decoded == nil {
		return
	}
	m.decoded.Add(context.Background(), 1, metric.WithAttributes(telemetry.MessageAttributes(telemetry.Environment(), kind)...))
}

func (m *decoderMetrics) recordMiss(reason MissReason) {
	if m == nil || m.misses == nil {
		return
	}
	m.misses.Add(context.Background(), 1, metric.WithAttributes(telemetry.ReasonAttributes(telemetry.Environment(), reason.String())...))
}
