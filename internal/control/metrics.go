package control

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickrelay/internal/schema"
	"github.com/coachpo/tickrelay/internal/telemetry"
)

type controlMetrics struct {
	commands metric.Int64Counter
}

func newControlMetrics() *controlMetrics {
	meter := otel.Meter("control")
	m := new(controlMetrics)
	m.commands, _ = meter.Int64Counter("relay.control.commands",
		metric.WithDescription("Downstream commands by action and status"),
		metric.WithUnit("{command}"))
	return m
}

func (m *controlMetrics) recordCommand(action schema.Action, status string) {
	if m == nil || m.commands == nil {
		return
	}
	m.commands.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.CommandAttributes(telemetry.Environment(), string(action), status)...))
}
