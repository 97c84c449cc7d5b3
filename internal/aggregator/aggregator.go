// Package aggregator folds validated ticks into epoch-aligned per-asset candles.
package aggregator

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/internal/config"
	"github.com/coachpo/tickrelay/internal/schema"
)

const maxPriceChanges = 100

// Rejection reasons reported by Validate and the tick metrics.
const (
	ReasonNonPositive = "non_positive"
	ReasonNonFinite   = "non_finite"
	ReasonAboveMax    = "above_max"
	ReasonSpike       = "spike"
)

var hundred = decimal.NewFromInt(100)

// Limits are the hot-swappable validation thresholds.
type Limits struct {
	Spike    config.SpikeConfig
	MaxPrice float64
}

// LimitsFrom extracts aggregator limits from a runtime configuration.
func LimitsFrom(cfg config.RuntimeConfig) Limits {
	return Limits{Spike: cfg.Spike, MaxPrice: cfg.MaxPrice}
}

type aggregate struct {
	bucketStart int64
	open        float64
	high        float64
	low         float64
	close       float64
	hasPrice    bool
	valid       uint64
	invalid     uint64
	changes     []float64
	lastUpdate  int64
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	bucketMs int64
	logger   *log.Logger
	clock    func() time.Time
	metrics  *aggregatorMetrics

	mu     sync.Mutex
	limits Limits
	assets map[string]*aggregate
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithLogger overrides the aggregator logger.
func WithLogger(logger *log.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides the wall clock used by Run.
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// New constructs an aggregator with the given bucket width.
func New(bucket time.Duration, limits Limits, opts ...Option) (*Aggregator, error) {
	if bucket < time.Second {
		return nil, errs.New("aggregator", errs.CodeInvalid, errs.WithMessage("bucket must be >= 1s"))
	}
	a := &Aggregator{
		bucketMs: bucket.Milliseconds(),
		logger:   log.Default(),
		clock:    time.Now,
		metrics:  newAggregatorMetrics(),
		limits:   limits,
		assets:   make(map[string]*aggregate),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// SetLimits swaps the validation thresholds.
func (a *Aggregator) SetLimits(limits Limits) {
	a.mu.Lock()
	a.limits = limits
	a.mu.Unlock()
}

// Seed primes asset with a reference price without counting a tick. The
// aggregate is opened in the current wall-clock bucket. Seed has no effect
// once the asset already carries a price.
func (a *Aggregator) Seed(asset string, price float64) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	agg := a.aggregateLocked(asset, a.clock().UnixMilli())
	if agg.hasPrice {
		return
	}
	agg.open, agg.high, agg.low, agg.close = price, price, price, price
	agg.hasPrice = true
}

// Validate checks price against the current limits and the asset's aggregate
// without mutating anything.
func (a *Aggregator) Validate(asset string, price float64) error {
	a.mu.Lock()
	reason := a.checkLocked(a.assets[asset], price)
	a.mu.Unlock()
	if reason == "" {
		return nil
	}
	return errs.New("aggregator", errs.CodeInvalid,
		errs.WithAsset(asset),
		errs.WithMessage("price rejected"),
		errs.WithField("reason", reason))
}

// Update applies a tick. An invalid tick is counted and leaves OHLC untouched.
// When the tick belongs to a later bucket, the previous bucket is closed first
// and returned.
func (a *Aggregator) Update(asset string, price float64, tsMs int64) (bool, *schema.CandleDataPayload) {
	a.mu.Lock()
	agg := a.aggregateLocked(asset, tsMs)

	var closed *schema.CandleDataPayload
	if bucket := a.bucketOf(tsMs); bucket > agg.bucketStart {
		if agg.hasPrice {
			candle := agg.candle(asset)
			closed = &candle
		}
		agg.reseed(bucket)
	}

	reason := a.checkLocked(agg, price)
	if reason != "" {
		agg.invalid++
		a.mu.Unlock()
		a.metrics.recordTick(asset, reason)
		if closed != nil {
			a.metrics.recordCandle(asset)
		}
		return false, closed
	}
	agg.apply(price, tsMs)
	a.mu.Unlock()

	a.metrics.recordTick(asset, "")
	if closed != nil {
		a.metrics.recordCandle(asset)
	}
	return true, closed
}

// Rollover closes every aggregate whose bucket ended at or before now and
// reseeds it from its own close. Exactly one candle is produced per asset per
// boundary; assets that never carried a price are rolled silently.
func (a *Aggregator) Rollover(now time.Time) []schema.CandleDataPayload {
	current := a.bucketOf(now.UnixMilli())

	a.mu.Lock()
	var closed []schema.CandleDataPayload
	for asset, agg := range a.assets {
		if agg.bucketStart >= current {
			continue
		}
		if agg.hasPrice {
			closed = append(closed, agg.candle(asset))
		}
		agg.reseed(current)
	}
	a.mu.Unlock()

	sort.Slice(closed, func(i, j int) bool { return closed[i].Asset < closed[j].Asset })
	for _, c := range closed {
		a.metrics.recordCandle(c.Asset)
	}
	return closed
}

// Run drives Rollover on bucket boundaries until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, emit func(schema.CandleDataPayload)) error {
	for {
		now := a.clock()
		next := time.UnixMilli(a.bucketOf(now.UnixMilli()) + a.bucketMs)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		closed := a.Rollover(a.clock())
		if len(closed) > 0 {
			a.logger.Printf("aggregator: closed %d candles", len(closed))
		}
		for _, candle := range closed {
			if emit != nil {
				emit(candle)
			}
		}
	}
}

// Statistics returns the in-flight statistics for asset.
func (a *Aggregator) Statistics(asset string) (schema.CandleStatistics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg, ok := a.assets[asset]
	if !ok {
		return schema.CandleStatistics{}, false
	}
	return agg.statistics(), true
}

// Assets returns the number of assets with a live aggregate.
func (a *Aggregator) Assets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.assets)
}

func (a *Aggregator) bucketOf(tsMs int64) int64 {
	if tsMs < 0 {
		tsMs = 0
	}
	return tsMs - tsMs%a.bucketMs
}

func (a *Aggregator) aggregateLocked(asset string, tsMs int64) *aggregate {
	agg, ok := a.assets[asset]
	if !ok {
		agg = &aggregate{bucketStart: a.bucketOf(tsMs)}
		a.assets[asset] = agg
	}
	return agg
}

func (a *Aggregator) checkLocked(agg *aggregate, price float64) string {
	switch {
	case math.IsNaN(price) || math.IsInf(price, 0):
		return ReasonNonFinite
	case price <= 0:
		return ReasonNonPositive
	case a.limits.MaxPrice > 0 && price > a.limits.MaxPrice:
		return ReasonAboveMax
	}
	if agg == nil || !agg.hasPrice {
		return ""
	}
	limit := a.limits.Spike.SteadyPercent
	switch {
	case agg.valid < uint64(a.limits.Spike.EarlyTicks):
		limit = a.limits.Spike.EarlyPercent
	case agg.valid < uint64(a.limits.Spike.WarmTicks):
		limit = a.limits.Spike.WarmPercent
	}
	ref := decimal.NewFromFloat(agg.close)
	change := decimal.NewFromFloat(price).Sub(ref).Abs().Div(ref).Mul(hundred)
	if change.GreaterThan(decimal.NewFromFloat(limit)) {
		return ReasonSpike
	}
	return ""
}

func (g *aggregate) apply(price float64, tsMs int64) {
	if !g.hasPrice {
		g.open, g.high, g.low = price, price, price
		g.hasPrice = true
	} else {
		g.changes = append(g.changes, price-g.close)
		if len(g.changes) > maxPriceChanges {
			g.changes = g.changes[len(g.changes)-maxPriceChanges:]
		}
	}
	g.high = math.Max(g.high, price)
	g.low = math.Min(g.low, price)
	g.close = price
	g.valid++
	g.lastUpdate = tsMs
}

// reseed starts a new bucket at the previous close with zeroed counters.
func (g *aggregate) reseed(bucketStart int64) {
	g.bucketStart = bucketStart
	g.open, g.high, g.low = g.close, g.close, g.close
	g.valid, g.invalid = 0, 0
	g.changes = g.changes[:0]
}

func (g *aggregate) candle(asset string) schema.CandleDataPayload {
	decision := schema.DecisionDown
	if g.close > g.open {
		decision = schema.DecisionUp
	}
	return schema.CandleDataPayload{
		Asset:      asset,
		Time:       g.bucketStart / 1000,
		Open:       g.open,
		High:       g.high,
		Low:        g.low,
		Close:      g.close,
		Decision:   decision,
		Statistics: g.statistics(),
	}
}

func (g *aggregate) statistics() schema.CandleStatistics {
	total := g.valid + g.invalid
	stats := schema.CandleStatistics{
		TotalTicks:   total,
		ValidTicks:   g.valid,
		InvalidTicks: g.invalid,
		Range:        round(g.high-g.low, 6),
		LastUpdate:   g.lastUpdate,
	}
	if total > 0 {
		stats.SuccessRate = decimal.NewFromInt(int64(g.valid)).
			Div(decimal.NewFromInt(int64(total))).
			Mul(hundred).
			Round(2).
			InexactFloat64()
	}
	stats.Volatility = round(stdev(g.changes), 6)
	return stats
}

// stdev is the sample standard deviation; fewer than two samples yield zero.
func stdev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(n-1))
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
