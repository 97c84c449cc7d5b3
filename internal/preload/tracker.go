// Package preload tracks which historical timeframes each asset has received
// and decides when the asset may start emitting realtime pips.
package preload

import (
	"context"
	"log"
	"slices"
	"sort"
	"sync"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/lib/async"
)

// Notifier receives lifecycle callbacks for assets.
type Notifier interface {
	// Onboard runs once per asset on first sighting, off the decode path.
	Onboard(ctx context.Context, asset string) error
	// StartMonitoring is called exactly once when the asset becomes ready.
	StartMonitoring(asset string)
}

// Progress is the per-asset preload view used by status reports.
type Progress struct {
	Received []int `json:"received"`
	Missing  []int `json:"missing"`
	Ready    bool  `json:"ready"`
}

type assetState struct {
	received map[int]bool
	notified bool
}

// Tracker is safe for concurrent use.
type Tracker struct {
	required []int
	notifier Notifier
	pool     *async.Pool
	logger   *log.Logger

	mu     sync.Mutex
	assets map[string]*assetState
	seen   map[string]struct{}
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithLogger overrides the tracker logger.
func WithLogger(logger *log.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker constructs a tracker requiring the given timeframes. Onboarding
// work is submitted to pool; notifier may be nil in tests.
func NewTracker(required []int, notifier Notifier, pool *async.Pool, opts ...Option) (*Tracker, error) {
	if len(required) == 0 {
		return nil, errs.New("preload", errs.CodeInvalid, errs.WithMessage("required timeframes must not be empty"))
	}
	t := &Tracker{
		required: append([]int(nil), required...),
		notifier: notifier,
		pool:     pool,
		logger:   log.Default(),
		assets:   make(map[string]*assetState),
		seen:     make(map[string]struct{}),
	}
	sort.Ints(t.required)
	t.required = slices.Compact(t.required)
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// Observe records a sighting of asset. The first sighting schedules
// onboarding without blocking; a saturated pool leaves the asset unseen so
// the next frame retries.
func (t *Tracker) Observe(ctx context.Context, asset string) {
	if asset == "" {
		return
	}
	t.mu.Lock()
	if _, ok := t.seen[asset]; ok {
		t.mu.Unlock()
		return
	}
	t.seen[asset] = struct{}{}
	t.stateLocked(asset)
	t.mu.Unlock()

	if t.notifier == nil || t.pool == nil {
		return
	}
	err := t.pool.Submit(ctx, func(taskCtx context.Context) error {
		return t.notifier.Onboard(taskCtx, asset)
	})
	if err != nil {
		t.mu.Lock()
		delete(t.seen, asset)
		t.mu.Unlock()
		t.logger.Printf("preload: onboard %s deferred: %v", asset, err)
	}
}

// MarkReceived flags timeframe as received for asset. It returns true only on
// the call that makes the asset ready; repeated or unknown timeframes are no-ops.
func (t *Tracker) MarkReceived(asset string, timeframe int) bool {
	if asset == "" || !t.isRequired(timeframe) {
		return false
	}
	t.mu.Lock()
	state := t.stateLocked(asset)
	if state.notified || state.received[timeframe] {
		t.mu.Unlock()
		return false
	}
	state.received[timeframe] = true
	if len(state.received) < len(t.required) {
		t.mu.Unlock()
		return false
	}
	state.notified = true
	t.mu.Unlock()

	t.logger.Printf("preload: %s ready for realtime", asset)
	if t.notifier != nil {
		t.notifier.StartMonitoring(asset)
	}
	return true
}

// IsReadyForRealtime reports whether every required timeframe has arrived for asset.
func (t *Tracker) IsReadyForRealtime(asset string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.assets[asset]
	return ok && state.notified
}

// Snapshot returns the preload progress of every known asset.
func (t *Tracker) Snapshot() map[string]Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Progress, len(t.assets))
	for asset, state := range t.assets {
		p := Progress{Ready: state.notified, Received: []int{}, Missing: []int{}}
		for _, tf := range t.required {
			if state.received[tf] {
				p.Received = append(p.Received, tf)
			} else {
				p.Missing = append(p.Missing, tf)
			}
		}
		out[asset] = p
	}
	return out
}

func (t *Tracker) isRequired(timeframe int) bool {
	i := sort.SearchInts(t.required, timeframe)
	return i < len(t.required) && t.required[i] == timeframe
}

func (t *Tracker) stateLocked(asset string) *assetState {
	state, ok := t.assets[asset]
	if !ok {
		state = &assetState{received: make(map[int]bool, len(t.required))}
		t.assets[asset] = state
	}
	return state
}
