package aggregator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickrelay/internal/telemetry"
)

type aggregatorMetrics struct {
	ticks   metric.Int64Counter
	candles metric.Int64Counter
}

func newAggregatorMetrics() *aggregatorMetrics {
	meter := otel.Meter("aggregator")
	m := new(aggregatorMetrics)
	m.ticks, _ = meter.Int64Counter("relay.aggregator.ticks",
		metric.WithDescription("Ticks applied to or rejected by the candle aggregator"),
		metric.WithUnit("{tick}"))
	m.candles, _ = meter.Int64Counter("relay.aggregator.candles",
		metric.WithDescription("Candles closed by the aggregator"),
		metric.WithUnit("{candle}"))
	return m
}

func (m *aggregatorMetrics) recordTick(asset, reason string) {
	if m == nil || m.ticks == nil {
		return
	}
	result := telemetry.ResultSuccess
	if reason != "" {
		result = telemetry.ResultDropped
	}
	attrs := append(telemetry.AssetAttributes(telemetry.Environment(), asset), telemetry.AttrResult.String(result))
	if reason != "" {
		attrs = append(attrs, telemetry.AttrReason.String(reason))
	}
	m.ticks.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (m *aggregatorMetrics) recordCandle(asset string) {
	if m == nil || m.candles == nil {
		return
	}
	m.candles.Add(context.Background(), 1, metric.WithAttributes(telemetry.AssetAttributes(telemetry.Environment(), asset)...))
}
