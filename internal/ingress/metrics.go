package ingress

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickrelay/internal/telemetry"
)

type ingressMetrics struct {
	dropped metric.Int64Counter
}

func newIngressMetrics() *ingressMetrics {
	meter := otel.Meter("ingress")
	m := new(ingressMetrics)
	m.dropped, _ = meter.Int64Counter("relay.ingress.dropped",
		metric.WithDescription("Driver frames refused by the ingress queue"),
		metric.WithUnit("{frame}"))
	return m
}

func (m *ingressMetrics) recordDrop(reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(telemetry.ReasonAttributes(telemetry.Environment(), reason)...))
}
