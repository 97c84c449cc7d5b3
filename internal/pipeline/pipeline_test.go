package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/tickrelay/internal/aggregator"
	"github.com/coachpo/tickrelay/internal/config"
	"github.com/coachpo/tickrelay/internal/coordinator"
	"github.com/coachpo/tickrelay/internal/decoder"
	"github.com/coachpo/tickrelay/internal/driver"
	"github.com/coachpo/tickrelay/internal/ingress"
	"github.com/coachpo/tickrelay/internal/preload"
	"github.com/coachpo/tickrelay/internal/schema"
)

const historyFrame = `{"period":60,"asset":"EURUSD_otc","history":[[1751301600,1.0875]],"candles":[[1751301600,1.0875,1.0880,1.0890,1.0870,12]]}`

type stubAdmitter struct {
	mu       sync.Mutex
	verdicts map[string]coordinator.Verdict
	errors   int
}

func (a *stubAdmitter) Admit(asset string, _ time.Time) coordinator.Verdict {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.verdicts[asset]; ok {
		return v
	}
	return coordinator.Forward
}

func (a *stubAdmitter) RecordError() {
	a.mu.Lock()
	a.errors++
	a.mu.Unlock()
}

type captureSink struct {
	mu     sync.Mutex
	msgs   []schema.Outbound
	refuse bool
}

func (s *captureSink) Enqueue(msg schema.Outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return false
	}
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *captureSink) types() []schema.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.MessageType, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.Type())
	}
	return out
}

func (s *captureSink) last() schema.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[len(s.msgs)-1]
}

func tickFrame(asset, ts, price string) driver.Frame {
	return driver.Frame{Data: []byte("\x04[[\"" + asset + "\"," + ts + "," + price + "]]"), Binary: true}
}

func newTestPipeline(t *testing.T) (*Pipeline, *stubAdmitter, *captureSink, *aggregator.Aggregator) {
	t.Helper()
	tracker, err := preload.NewTracker([]int{60}, nil, nil)
	require.NoError(t, err)
	agg, err := aggregator.New(time.Minute, aggregator.LimitsFrom(config.DefaultRuntimeConfig()),
		aggregator.WithClock(func() time.Time { return time.UnixMilli(1751301600000) }))
	require.NoError(t, err)
	admit := &stubAdmitter{verdicts: map[string]coordinator.Verdict{}}
	sink := &captureSink{}
	p, err := New(decoder.New(), tracker, agg, admit, sink)
	require.NoError(t, err)
	return p, admit, sink, agg
}

func TestPipsHeldUntilHistoryArrives(t *testing.T) {
	p, _, sink, _ := newTestPipeline(t)
	ctx := context.Background()

	p.Handle(ctx, tickFrame("EURUSD_otc", "1751301600000", "1.0876"))
	require.Empty(t, sink.types(), "asset not ready for realtime yet")

	p.Handle(ctx, driver.Frame{Data: []byte(historyFrame)})
	p.Handle(ctx, driver.Frame{Data: []byte(historyFrame)})
	require.Equal(t, []schema.MessageType{schema.TypeHistoricalCandles}, sink.types(), "duplicate history suppressed")
	hist := sink.last().Payload.(schema.HistoricalCandlesPayload)
	require.Equal(t, "EURUSD_otc", hist.Asset)
	require.Equal(t, 60, hist.Timeframe)
	require.Len(t, hist.Candles, 1)

	p.Handle(ctx, tickFrame("EURUSD_otc", "1751301601000", "1.0877"))
	require.Equal(t, []schema.MessageType{schema.TypeHistoricalCandles, schema.TypePip}, sink.types())
	pip := sink.last().Payload.(schema.PipPayload)
	require.Equal(t, schema.PipPayload{Asset: "EURUSD_otc", Price: 1.0877, Timestamp: 1751301601000}, pip)

	stats := p.Stats()
	require.Equal(t, uint64(1), stats.HistoricalForwarded)
	require.Equal(t, uint64(1), stats.HistoricalDuplicate)
	require.Equal(t, uint64(1), stats.PipsHeld)
	require.Equal(t, uint64(1), stats.PipsForwarded)
}

func TestVerdictsShapeRouting(t *testing.T) {
	p, admit, sink, agg := newTestPipeline(t)
	ctx := context.Background()
	p.Handle(ctx, driver.Frame{Data: []byte(historyFrame)})

	admit.verdicts["EURUSD_otc"] = coordinator.Drop
	p.Handle(ctx, tickFrame("EURUSD_otc", "1751301600000", "1.0876"))
	stats, seeded := agg.Statistics("EURUSD_otc")
	require.True(t, seeded, "history seeds the aggregate")
	require.Zero(t, stats.TotalTicks, "dropped ticks never reach the aggregator")

	admit.verdicts["EURUSD_otc"] = coordinator.AggregateOnly
	p.Handle(ctx, tickFrame("EURUSD_otc", "1751301600000", "1.0876"))
	stats, _ = agg.Statistics("EURUSD_otc")
	require.Equal(t, uint64(1), stats.ValidTicks)

	require.Equal(t, []schema.MessageType{schema.TypeHistoricalCandles}, sink.types())
	require.Equal(t, uint64(1), p.Stats().TicksDropped)
	require.Equal(t, uint64(1), p.Stats().PipsHeld)
}

func TestBucketChangeEmitsCandle(t *testing.T) {
	p, _, sink, _ := newTestPipeline(t)
	ctx := context.Background()
	p.Handle(ctx, driver.Frame{Data: []byte(historyFrame)})

	p.Handle(ctx, tickFrame("EURUSD_otc", "1751301600000", "1.0876"))
	p.Handle(ctx, tickFrame("EURUSD_otc", "1751301630000", "1.0880"))
	p.Handle(ctx, tickFrame("EURUSD_otc", "1751301660000", "1.0878"))

	require.Equal(t, []schema.MessageType{
		schema.TypeHistoricalCandles,
		schema.TypePip,
		schema.TypePip,
		schema.TypeCandleData,
		schema.TypePip,
	}, sink.types())
	require.Equal(t, uint64(1), p.Stats().CandlesEmitted)
}

func TestInvalidPriceIsCountedNotForwarded(t *testing.T) {
	p, _, sink, _ := newTestPipeline(t)
	ctx := context.Background()
	p.Handle(ctx, driver.Frame{Data: []byte(historyFrame)})

	p.Handle(ctx, tickFrame("EURUSD_otc", "1751301600000", "-1"))
	p.Handle(ctx, tickFrame("EURUSD_otc", "1751301600000", "250000"))
	require.Equal(t, []schema.MessageType{schema.TypeHistoricalCandles}, sink.types())
	require.Equal(t, uint64(2), p.Stats().TicksInvalid)
}

func TestMalformedFramesCountAsErrors(t *testing.T) {
	p, admit, _, _ := newTestPipeline(t)
	ctx := context.Background()

	p.Handle(ctx, driver.Frame{Data: []byte(`{"period":`)})
	p.Handle(ctx, driver.Frame{Data: []byte("2")})
	p.Handle(ctx, driver.Frame{})

	require.Equal(t, 1, admit.errors, "only malformed frames count")
	require.Equal(t, uint64(1), p.Stats().MalformedFrames)
}

func TestRefusedMessagesAreCounted(t *testing.T) {
	p, _, sink, _ := newTestPipeline(t)
	sink.refuse = true
	p.Handle(context.Background(), driver.Frame{Data: []byte(historyFrame)})
	p.Handle(context.Background(), tickFrame("EURUSD_otc", "1751301600000", "1.0876"))

	stats := p.Stats()
	require.Equal(t, uint64(2), stats.Refused)
	require.Zero(t, stats.PipsForwarded)
}

func TestRunConsumesQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, _, sink, _ := newTestPipeline(t)
	q := ingress.NewQueue(8)
	require.NoError(t, q.TryPublish(driver.Frame{Data: []byte(historyFrame)}))
	require.NoError(t, q.TryPublish(tickFrame("EURUSD_otc", "1751301600000", "1.0876")))
	q.Close()

	require.NoError(t, p.Run(context.Background(), q))
	require.Equal(t, []schema.MessageType{schema.TypeHistoricalCandles, schema.TypePip}, sink.types())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil, nil, nil, nil)
	require.Error(t, err)
}
