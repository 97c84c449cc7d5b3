package driver

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/internal/telemetry"
)

type bridgeMetrics struct {
	frames       metric.Int64Counter
	calls        metric.Int64Counter
	callDuration metric.Float64Histogram
	sessions     metric.Int64Counter
}

func newBridgeMetrics() *bridgeMetrics {
	meter := otel.Meter("driver")
	m := new(bridgeMetrics)
	m.frames, _ = meter.Int64Counter("relay.driver.frames",
		metric.WithDescription("Frames captured by the page sidecar"),
		metric.WithUnit("{frame}"))
	m.calls, _ = meter.Int64Counter("relay.driver.calls",
		metric.WithDescription("Calls made to the page sidecar"),
		metric.WithUnit("{call}"))
	m.callDuration, _ = meter.Float64Histogram("relay.driver.call.duration",
		metric.WithDescription("Round trip time of sidecar calls"),
		metric.WithUnit("ms"))
	m.sessions, _ = meter.Int64Counter("relay.driver.sessions",
		metric.WithDescription("Sidecar session lifecycle events"),
		metric.WithUnit("{event}"))
	return m
}

func (m *bridgeMetrics) recordFrame(binary bool) {
	if m == nil || m.frames == nil {
		return
	}
	m.frames.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.MessageAttributes(telemetry.Environment(), "binary="+strconv.FormatBool(binary))...))
}

func (m *bridgeMetrics) recordCall(method string, err error, took time.Duration) {
	if m == nil || m.calls == nil {
		return
	}
	result := telemetry.ResultSuccess
	switch {
	case err == nil:
	case errs.Is(err, errs.CodeBusy):
		result = telemetry.ResultBusy
	default:
		result = telemetry.ResultError
	}
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), method, result)...)
	m.calls.Add(context.Background(), 1, attrs)
	if m.callDuration != nil {
		m.callDuration.Record(context.Background(), float64(took.Microseconds())/1000, attrs)
	}
}

func (m *bridgeMetrics) recordSession(state string) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.ConnectionAttributes(telemetry.Environment(), "sidecar", state)...))
}
