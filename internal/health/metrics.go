package health

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickrelay/internal/telemetry"
)

type healthMetrics struct {
	checks      metric.Int64Counter
	corrections metric.Int64Counter
	alerts      metric.Int64Counter
	heap        metric.Float64Gauge
	rss         metric.Float64Gauge
}

func newHealthMetrics() *healthMetrics {
	meter := otel.Meter("health")
	m := new(healthMetrics)
	m.checks, _ = meter.Int64Counter("relay.health.checks",
		metric.WithDescription("Health checks executed"),
		metric.WithUnit("{check}"))
	m.corrections, _ = meter.Int64Counter("relay.health.corrections",
		metric.WithDescription("Corrective actions by reason and outcome"),
		metric.WithUnit("{action}"))
	m.alerts, _ = meter.Int64Counter("relay.health.alerts",
		metric.WithDescription("Health alerts sent downstream"),
		metric.WithUnit("{alert}"))
	m.heap, _ = meter.Float64Gauge("relay.health.page_heap",
		metric.WithDescription("Page script heap in use"),
		metric.WithUnit("MiBy"))
	m.rss, _ = meter.Float64Gauge("relay.health.process_rss",
		metric.WithDescription("Relay process resident set size"),
		metric.WithUnit("MiBy"))
	return m
}

func (m *healthMetrics) recordCheck() {
	if m == nil || m.checks == nil {
		return
	}
	m.checks.Add(context.Background(), 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}

func (m *healthMetrics) recordCorrection(reason, result string) {
	if m == nil || m.corrections == nil {
		return
	}
	m.corrections.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), reason, result)...))
}

func (m *healthMetrics) recordAlert(kind string) {
	if m == nil || m.alerts == nil {
		return
	}
	m.alerts.Add(context.Background(), 1, metric.WithAttributes(telemetry.ReasonAttributes(telemetry.Environment(), kind)...))
}

func (m *healthMetrics) recordHeap(mb float64) {
	if m == nil || m.heap == nil {
		return
	}
	m.heap.Record(context.Background(), mb, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}

func (m *healthMetrics) recordRSS(mb float64) {
	if m == nil || m.rss == nil {
		return
	}
	m.rss.Record(context.Background(), mb, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}
