package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickrelay/internal/telemetry"
)

const (
	outcomeForwarded = "forwarded"
	outcomeHeld      = "held"
	outcomeDropped   = "dropped"
	outcomeInvalid   = "invalid"
	outcomeDuplicate = "duplicate"
)

type pipelineMetrics struct {
	ticks      metric.Int64Counter
	historical metric.Int64Counter
}

func newPipelineMetrics() *pipelineMetrics {
	meter := otel.Meter("pipeline")
	m := new(pipelineMetrics)
	m.ticks, _ = meter.Int64Counter("relay.pipeline.ticks",
		metric.WithDescription("Realtime ticks by routing outcome"),
		metric.WithUnit("{tick}"))
	m.historical, _ = meter.Int64Counter("relay.pipeline.historical",
		metric.WithDescription("Historical packets by routing outcome"),
		metric.WithUnit("{packet}"))
	return m
}

func (m *pipelineMetrics) recordTick(outcome string) {
	if m == nil || m.ticks == nil {
		return
	}
	m.ticks.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), "tick", outcome)...))
}

func (m *pipelineMetrics) recordHistorical(outcome string) {
	if m == nil || m.historical == nil {
		return
	}
	m.historical.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), "historical", outcome)...))
}
