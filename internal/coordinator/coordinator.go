// Package coordinator owns the process-wide switch gate, the post-switch
// stale-event filter, and the per-asset refresh and watchdog loops.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/internal/config"
	"github.com/coachpo/tickrelay/internal/driver"
	"github.com/coachpo/tickrelay/lib/async"
)

// Verdict is the admission decision for one tick.
type Verdict uint8

const (
	// Drop discards the tick entirely.
	Drop Verdict = iota
	// AggregateOnly feeds the aggregator but suppresses the realtime pip.
	AggregateOnly
	// Forward feeds the aggregator and forwards the pip downstream.
	Forward
)

func (v Verdict) String() string {
	switch v {
	case Drop:
		return "drop"
	case AggregateOnly:
		return "aggregate_only"
	case Forward:
		return "forward"
	default:
		return "unknown"
	}
}

// Lease identifies one successful gate acquisition. The zero Lease is never valid.
type Lease struct {
	id     uint64
	Holder string
}

// Valid reports whether the lease came from a successful acquisition.
func (l Lease) Valid() bool { return l.id != 0 }

// Status is a point-in-time view of the coordinator.
type Status struct {
	Locked                 bool     `json:"locked"`
	SwitchInProgress       bool     `json:"switchInProgress"`
	Holder                 string   `json:"holder,omitempty"`
	FilterActive           bool     `json:"filterActive"`
	ExpectedAsset          string   `json:"expectedAsset,omitempty"`
	CurrentAsset           string   `json:"currentAsset,omitempty"`
	ActiveAssets           []string `json:"activeAssets"`
	MonitoredAssets        []string `json:"monitoredAssets"`
	Refreshing             []string `json:"refreshing"`
	PipsReceived           uint64   `json:"pipsReceived"`
	SecondsSinceLastPip    float64  `json:"secondsSinceLastPip"`
	SecondsSinceLastSwitch float64  `json:"secondsSinceLastSwitch"`
	ErrorCount             uint64   `json:"errorCount"`
	EmergencyResets        uint64   `json:"emergencyResets"`
	SendFailures           uint64   `json:"sendFailures"`
}

// Coordinator is the single owner of coordinator state. Every mutation goes
// through its mutex.
type Coordinator struct {
	cfg        config.CoordinatorConfig
	timeframes []int
	page       driver.Page
	limiter    *rate.Limiter
	emergency  *async.Pool
	escalate   func(asset string)
	logger     *log.Logger
	clock      func() time.Time
	metrics    *coordinatorMetrics

	mu           sync.Mutex
	locked       bool
	switching    bool
	lease        Lease
	nextLease    uint64
	filterActive bool
	expected     string
	current      string
	lastTick     map[string]time.Time
	monitored    map[string]struct{}
	refreshing   map[string]struct{}
	active       map[string]struct{}
	streak       map[string]int
	retired      map[string]bool
	window       config.RefreshWindow
	pipsReceived uint64
	lastPip      time.Time
	lastSwitch   time.Time
	errorCount   uint64
	resets       uint64
	sendFailures uint64
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the coordinator logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithEmergencyPool sets the pool that runs watchdog refreshes.
func WithEmergencyPool(pool *async.Pool) Option {
	return func(c *Coordinator) {
		c.emergency = pool
	}
}

// WithEscalation registers the hook called when an asset stays silent across
// several consecutive emergency refreshes.
func WithEscalation(fn func(asset string)) Option {
	return func(c *Coordinator) {
		c.escalate = fn
	}
}

// New constructs a coordinator. timeframes drive the warm-up sequence and
// window bounds the randomised refresh interval.
func New(cfg config.CoordinatorConfig, timeframes []int, window config.RefreshWindow, page driver.Page, opts ...Option) (*Coordinator, error) {
	if page == nil {
		return nil, errs.New("coordinator", errs.CodeInvalid, errs.WithMessage("page required"))
	}
	if cfg.SendRate <= 0 {
		return nil, errs.New("coordinator", errs.CodeInvalid, errs.WithMessage("send rate must be > 0"))
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	c := &Coordinator{
		cfg:        cfg,
		timeframes: append([]int(nil), timeframes...),
		page:       page,
		limiter:    rate.NewLimiter(rate.Limit(cfg.SendRate), burst),
		logger:     log.Default(),
		clock:      time.Now,
		metrics:    newCoordinatorMetrics(),
		lastTick:   make(map[string]time.Time),
		monitored:  make(map[string]struct{}),
		refreshing: make(map[string]struct{}),
		active:     make(map[string]struct{}),
		streak:     make(map[string]int),
		retired:    make(map[string]bool),
		window:     window,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// RequestSwitchPermission acquires the gate for holder. It fails fast with
// false while another holder owns the gate; callers back off and retry.
func (c *Coordinator) RequestSwitchPermission(holder string) (Lease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked || c.switching {
		c.metrics.recordGate(holder, false)
		return Lease{}, false
	}
	c.nextLease++
	c.lease = Lease{id: c.nextLease, Holder: holder}
	c.locked = true
	c.switching = true
	c.filterActive = false
	c.expected = ""
	c.lastSwitch = c.clock()
	c.metrics.recordGate(holder, true)
	c.logger.Printf("coordinator: gate acquired by %s", holder)
	return c.lease, true
}

// FinishSwitch ends the switch held by lease, waits the stabilisation
// interval, then releases the gate and clears the error counter. A stale or
// zero lease is a no-op returning false. Cancelling ctx shortens the wait but
// still releases the gate.
func (c *Coordinator) FinishSwitch(ctx context.Context, lease Lease) bool {
	c.mu.Lock()
	if !lease.Valid() || lease.id != c.lease.id || !c.locked {
		c.mu.Unlock()
		return false
	}
	c.switching = false
	c.mu.Unlock()

	if wait := c.cfg.Stabilization.Std(); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if lease.id != c.lease.id || !c.locked {
		return false
	}
	c.locked = false
	c.lease = Lease{}
	c.errorCount = 0
	c.logger.Printf("coordinator: gate released by %s", lease.Holder)
	return true
}

// ArmFilter drops ticks for every asset other than expected until the first
// expected tick arrives.
func (c *Coordinator) ArmFilter(expected string) {
	c.mu.Lock()
	c.filterActive = expected != ""
	c.expected = expected
	c.mu.Unlock()
}

// Admit decides what to do with a tick for asset observed at now. Dropped
// ticks leave every counter untouched.
func (c *Coordinator) Admit(asset string, now time.Time) Verdict {
	c.mu.Lock()
	if c.filterActive {
		if asset != c.expected {
			c.mu.Unlock()
			c.metrics.recordAdmission(asset, Drop)
			return Drop
		}
		c.filterActive = false
		c.expected = ""
		if c.current != "" && c.current != asset {
			c.retireLocked(c.current)
		}
		if monitored, ok := c.retired[asset]; ok {
			delete(c.retired, asset)
			if monitored {
				c.monitored[asset] = struct{}{}
			}
		}
		c.current = asset
		c.logger.Printf("coordinator: filter disarmed by first %s tick", asset)
	} else if c.current == "" {
		c.current = asset
	}
	c.lastTick[asset] = now
	c.lastPip = now
	c.pipsReceived++
	delete(c.streak, asset)
	verdict := Forward
	if c.locked || c.switching {
		verdict = AggregateOnly
	}
	c.mu.Unlock()
	c.metrics.recordAdmission(asset, verdict)
	return verdict
}

// StartMonitoring places asset under watchdog supervision. For an asset the
// relay already switched away from, supervision starts on the switch back.
func (c *Coordinator) StartMonitoring(asset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.retired[asset]; ok {
		c.retired[asset] = true
		return
	}
	c.monitored[asset] = struct{}{}
	if _, ok := c.lastTick[asset]; !ok {
		c.lastTick[asset] = c.clock()
	}
}

// retireLocked stops supervising an asset the relay switched away from. A
// later switch back restores its monitoring. c.mu must be held.
func (c *Coordinator) retireLocked(asset string) {
	_, monitored := c.monitored[asset]
	c.retired[asset] = monitored
	delete(c.monitored, asset)
	delete(c.active, asset)
	delete(c.lastTick, asset)
	delete(c.streak, asset)
	c.logger.Printf("coordinator: %s retired after switch", asset)
}

// EmergencyReset forces the gate idle and clears filter and refresh state.
// It never panics.
func (c *Coordinator) EmergencyReset(reason string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("coordinator: emergency reset panic: %v", r)
		}
	}()
	c.mu.Lock()
	c.locked = false
	c.switching = false
	c.lease = Lease{}
	c.filterActive = false
	c.expected = ""
	c.refreshing = make(map[string]struct{})
	c.streak = make(map[string]int)
	c.errorCount = 0
	c.resets++
	c.mu.Unlock()
	c.metrics.recordReset(reason)
	c.logger.Printf("coordinator: emergency reset: %s", reason)
}

// RecordError increments the extraction error counter.
func (c *Coordinator) RecordError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

// ErrorCount returns the extraction error counter.
func (c *Coordinator) ErrorCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount
}

// ResetErrors clears the extraction error counter.
func (c *Coordinator) ResetErrors() {
	c.mu.Lock()
	c.errorCount = 0
	c.mu.Unlock()
}

// LastPip returns the time of the most recent admitted tick, or the zero time.
func (c *Coordinator) LastPip() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPip
}

// SetRefreshWindow replaces the randomised refresh bounds.
func (c *Coordinator) SetRefreshWindow(window config.RefreshWindow) {
	c.mu.Lock()
	c.window = window
	c.mu.Unlock()
}

// Status returns a snapshot of the coordinator state.
func (c *Coordinator) Status() Status {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Locked:                 c.locked,
		SwitchInProgress:       c.switching,
		Holder:                 c.lease.Holder,
		FilterActive:           c.filterActive,
		ExpectedAsset:          c.expected,
		CurrentAsset:           c.current,
		ActiveAssets:           sortedKeys(c.active),
		MonitoredAssets:        sortedKeys(c.monitored),
		Refreshing:             sortedKeys(c.refreshing),
		PipsReceived:           c.pipsReceived,
		SecondsSinceLastPip:    -1,
		SecondsSinceLastSwitch: -1,
		ErrorCount:             c.errorCount,
		EmergencyResets:        c.resets,
		SendFailures:           c.sendFailures,
	}
	if !c.lastPip.IsZero() {
		st.SecondsSinceLastPip = roundSeconds(now.Sub(c.lastPip))
	}
	if !c.lastSwitch.IsZero() {
		st.SecondsSinceLastSwitch = roundSeconds(now.Sub(c.lastSwitch))
	}
	return st
}

// ForceSwitch moves the relay onto asset: gate, filter, switch sequence,
// release. A busy gate is reported as errs.CodeBusy. A panic inside the
// switch path is converted into an emergency reset.
func (c *Coordinator) ForceSwitch(ctx context.Context, asset string) (err error) {
	if asset == "" {
		return errs.New("coordinator/switch", errs.CodeInvalid, errs.WithMessage("asset required"))
	}
	lease, ok := c.RequestSwitchPermission("switch:" + asset)
	if !ok {
		return errs.New("coordinator/switch", errs.CodeBusy,
			errs.WithAsset(asset),
			errs.WithMessage("gate held"),
			errs.WithRemediation("retry after the current switch or corrective action completes"))
	}
	defer func() {
		if r := recover(); r != nil {
			c.EmergencyReset(fmt.Sprintf("switch to %s panicked: %v", asset, r))
			err = errs.New("coordinator/switch", errs.CodeDriver, errs.WithAsset(asset), errs.WithMessage(fmt.Sprint(r)))
		}
	}()

	c.ArmFilter(asset)
	c.mu.Lock()
	c.active[asset] = struct{}{}
	c.mu.Unlock()

	sent := c.sendTemplates(ctx, asset, c.cfg.SwitchTemplates, c.cfg.SwitchPeriod)
	c.FinishSwitch(ctx, lease)
	c.logger.Printf("coordinator: switched to %s (%d/%d messages sent)", asset, sent, len(c.cfg.SwitchTemplates))
	return ctx.Err()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func roundSeconds(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000
}
