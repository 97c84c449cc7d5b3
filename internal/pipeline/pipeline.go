// Package pipeline is the single consumer of ingress frames. It decodes each
// frame and routes the result through preload tracking, admission, candle
// aggregation and delivery.
package pipeline

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/internal/aggregator"
	"github.com/coachpo/tickrelay/internal/coordinator"
	"github.com/coachpo/tickrelay/internal/decoder"
	"github.com/coachpo/tickrelay/internal/driver"
	"github.com/coachpo/tickrelay/internal/ingress"
	"github.com/coachpo/tickrelay/internal/preload"
	"github.com/coachpo/tickrelay/internal/schema"
)

// Admitter decides the fate of each tick and counts extraction errors.
type Admitter interface {
	Admit(asset string, now time.Time) coordinator.Verdict
	RecordError()
}

// Sink accepts outbound messages.
type Sink interface {
	Enqueue(msg schema.Outbound) bool
}

type dedupKey struct {
	asset     string
	timeframe int
}

// Stats counts routing outcomes.
type Stats struct {
	HistoricalForwarded uint64 `json:"historicalForwarded"`
	HistoricalDuplicate uint64 `json:"historicalDuplicate"`
	PipsForwarded       uint64 `json:"pipsForwarded"`
	PipsHeld            uint64 `json:"pipsHeld"`
	TicksDropped        uint64 `json:"ticksDropped"`
	TicksInvalid        uint64 `json:"ticksInvalid"`
	CandlesEmitted      uint64 `json:"candlesEmitted"`
	Refused             uint64 `json:"refused"`
	MalformedFrames     uint64 `json:"malformedFrames"`
}

// Pipeline routes decoded frames.
type Pipeline struct {
	decoder *decoder.Decoder
	tracker *preload.Tracker
	agg     *aggregator.Aggregator
	admit   Admitter
	out     Sink
	logger  *log.Logger
	clock   func() time.Time
	metrics *pipelineMetrics

	mu   sync.Mutex
	seen map[dedupKey]struct{}

	historical atomic.Uint64
	duplicates atomic.Uint64
	forwarded  atomic.Uint64
	held       atomic.Uint64
	dropped    atomic.Uint64
	invalid    atomic.Uint64
	candles    atomic.Uint64
	refused    atomic.Uint64
	malformed  atomic.Uint64
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLogger overrides the pipeline logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the admission clock used for frames without a receive time.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// New wires a pipeline.
func New(dec *decoder.Decoder, tracker *preload.Tracker, agg *aggregator.Aggregator, admit Admitter, out Sink, opts ...Option) (*Pipeline, error) {
	if dec == nil || tracker == nil || agg == nil || admit == nil || out == nil {
		return nil, errs.New("pipeline", errs.CodeInvalid, errs.WithMessage("decoder, tracker, aggregator, admitter and sink are required"))
	}
	p := &Pipeline{
		decoder: dec,
		tracker: tracker,
		agg:     agg,
		admit:   admit,
		out:     out,
		logger:  log.Default(),
		clock:   time.Now,
		metrics: newPipelineMetrics(),
		seen:    make(map[dedupKey]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Run consumes q until ctx is done or q is closed and drained.
func (p *Pipeline) Run(ctx context.Context, q *ingress.Queue) error {
	return q.Run(ctx, func(frame driver.Frame) { p.Handle(ctx, frame) })
}

// Handle routes one frame.
func (p *Pipeline) Handle(ctx context.Context, frame driver.Frame) {
	switch evt := p.decoder.Decode(frame).(type) {
	case decoder.Historical:
		p.historicalPacket(ctx, evt.Packet)
	case decoder.Ticks:
		now := frame.ReceivedAt
		if now.IsZero() {
			now = p.clock()
		}
		for _, tick := range evt.Ticks {
			p.tick(ctx, tick, now)
		}
	case decoder.Unrecognized:
		if evt.Reason.Malformed() {
			p.malformed.Add(1)
			p.admit.RecordError()
		}
	}
}

// EmitCandle forwards a closed candle downstream.
func (p *Pipeline) EmitCandle(candle schema.CandleDataPayload) {
	p.candles.Add(1)
	p.send(schema.NewOutbound(candle))
}

// Stats returns a snapshot of routing counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		HistoricalForwarded: p.historical.Load(),
		HistoricalDuplicate: p.duplicates.Load(),
		PipsForwarded:       p.forwarded.Load(),
		PipsHeld:            p.held.Load(),
		TicksDropped:        p.dropped.Load(),
		TicksInvalid:        p.invalid.Load(),
		CandlesEmitted:      p.candles.Load(),
		Refused:             p.refused.Load(),
		MalformedFrames:     p.malformed.Load(),
	}
}

func (p *Pipeline) historicalPacket(ctx context.Context, packet schema.HistoricalPacket) {
	key := dedupKey{asset: packet.Asset, timeframe: packet.TimeframeSeconds}
	p.mu.Lock()
	_, dup := p.seen[key]
	if !dup {
		p.seen[key] = struct{}{}
	}
	p.mu.Unlock()
	if dup {
		p.duplicates.Add(1)
		p.metrics.recordHistorical(outcomeDuplicate)
		return
	}

	p.tracker.Observe(ctx, packet.Asset)
	p.historical.Add(1)
	p.metrics.recordHistorical(outcomeForwarded)
	p.send(schema.NewOutbound(schema.HistoricalCandlesPayload{
		Asset:     packet.Asset,
		Timeframe: packet.TimeframeSeconds,
		Candles:   packet.Candles,
	}))
	if n := len(packet.ResumePips); n > 0 {
		p.agg.Seed(packet.Asset, packet.ResumePips[n-1].Price)
	}
	if p.tracker.MarkReceived(packet.Asset, packet.TimeframeSeconds) {
		p.logger.Printf("pipeline: %s ready for realtime", packet.Asset)
	}
}

func (p *Pipeline) tick(ctx context.Context, tick schema.Tick, now time.Time) {
	p.tracker.Observe(ctx, tick.Asset)
	verdict := p.admit.Admit(tick.Asset, now)
	if verdict == coordinator.Drop {
		p.dropped.Add(1)
		p.metrics.recordTick(outcomeDropped)
		return
	}
	ok, closed := p.agg.Update(tick.Asset, tick.Price, tick.TimestampMs)
	if closed != nil {
		p.EmitCandle(*closed)
	}
	if !ok {
		p.invalid.Add(1)
		p.metrics.recordTick(outcomeInvalid)
		return
	}
	if verdict != coordinator.Forward || !p.tracker.IsReadyForRealtime(tick.Asset) {
		p.held.Add(1)
		p.metrics.recordTick(outcomeHeld)
		return
	}
	if p.send(schema.NewOutbound(schema.PipPayload{Asset: tick.Asset, Price: tick.Price, Timestamp: tick.TimestampMs})) {
		p.forwarded.Add(1)
		p.metrics.recordTick(outcomeForwarded)
	}
}

func (p *Pipeline) send(msg schema.Outbound) bool {
	if p.out.Enqueue(msg) {
		return true
	}
	p.refused.Add(1)
	return false
}
