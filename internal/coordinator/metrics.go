package coordinator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickrelay/internal/telemetry"
)

type coordinatorMetrics struct {
	gate       metric.Int64Counter
	admissions metric.Int64Counter
	resets     metric.Int64Counter
	refreshes  metric.Int64Counter
	sends      metric.Int64Counter
}

func newCoordinatorMetrics() *coordinatorMetrics {
	meter := otel.Meter("coordinator")
	m := new(coordinatorMetrics)
	m.gate, _ = meter.Int64Counter("relay.coordinator.gate.requests",
		metric.WithDescription("Gate acquisition attempts"),
		metric.WithUnit("{request}"))
	m.admissions, _ = meter.Int64Counter("relay.coordinator.admissions",
		metric.WithDescription("Tick admission verdicts"),
		metric.WithUnit("{tick}"))
	m.resets, _ = meter.Int64Counter("relay.coordinator.emergency_resets",
		metric.WithDescription("Emergency resets of coordinator state"),
		metric.WithUnit("{reset}"))
	m.refreshes, _ = meter.Int64Counter("relay.coordinator.refreshes",
		metric.WithDescription("Per-asset warm-up and refresh sequences"),
		metric.WithUnit("{refresh}"))
	m.sends, _ = meter.Int64Counter("relay.coordinator.driver.sends",
		metric.WithDescription("Messages sent into the hosted page"),
		metric.WithUnit("{message}"))
	return m
}

func (m *coordinatorMetrics) recordGate(holder string, acquired bool) {
	if m == nil || m.gate == nil {
		return
	}
	result := telemetry.ResultSuccess
	if !acquired {
		result = telemetry.ResultBusy
	}
	m.gate.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), holder, result)...))
}

func (m *coordinatorMetrics) recordAdmission(asset string, verdict Verdict) {
	if m == nil || m.admissions == nil {
		return
	}
	attrs := append(telemetry.AssetAttributes(telemetry.Environment(), asset), telemetry.AttrResult.String(verdict.String()))
	m.admissions.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (m *coordinatorMetrics) recordReset(reason string) {
	if m == nil || m.resets == nil {
		return
	}
	m.resets.Add(context.Background(), 1, metric.WithAttributes(telemetry.ReasonAttributes(telemetry.Environment(), reason)...))
}

func (m *coordinatorMetrics) recordRefresh(asset, reason string) {
	if m == nil || m.refreshes == nil {
		return
	}
	attrs := append(telemetry.AssetAttributes(telemetry.Environment(), asset), telemetry.AttrReason.String(reason))
	m.refreshes.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (m *coordinatorMetrics) recordSend(asset string, ok bool) {
	if m == nil || m.sends == nil {
		return
	}
	result := telemetry.ResultSuccess
	if !ok {
		result = telemetry.ResultError
	}
	attrs := append(telemetry.AssetAttributes(telemetry.Environment(), asset), telemetry.AttrResult.String(result))
	m.sends.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
