package coordinator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// Refresh reasons recorded on the refresh counter.
const (
	refreshWarmup    = "warmup"
	refreshScheduled = "scheduled"
	refreshEmergency = "emergency"
)

// Onboard adds asset to the refresh set and sends the warm-up sequence, one
// templated message per required timeframe. Undelivered sends are tolerated.
func (c *Coordinator) Onboard(ctx context.Context, asset string) error {
	c.mu.Lock()
	c.active[asset] = struct{}{}
	c.mu.Unlock()

	sent := 0
	for _, tf := range c.timeframes {
		sent += c.sendTemplates(ctx, asset, c.cfg.WarmupTemplates, tf)
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("onboard %s: %w", asset, err)
		}
	}
	c.metrics.recordRefresh(asset, refreshWarmup)
	c.logger.Printf("coordinator: onboarded %s (%d messages sent)", asset, sent)
	return nil
}

// RunRefreshCycle re-synchronises every active asset on a randomised interval
// until ctx is cancelled.
func (c *Coordinator) RunRefreshCycle(ctx context.Context) error {
	for {
		timer := time.NewTimer(c.nextRefreshDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		c.refreshAll(ctx)
	}
}

// RunWatchdog schedules an emergency refresh for every monitored asset that
// has been silent longer than the configured threshold.
func (c *Coordinator) RunWatchdog(ctx context.Context) error {
	interval := c.cfg.WatchdogInterval.Std()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.checkSilence(ctx)
		}
	}
}

func (c *Coordinator) nextRefreshDelay() time.Duration {
	c.mu.Lock()
	lo, hi := c.window.Min.Std(), c.window.Max.Std()
	c.mu.Unlock()
	if lo <= 0 {
		lo = time.Second
	}
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

// refreshAll fans the refresh sequence out over the active assets. The whole
// cycle is skipped while the gate is held.
func (c *Coordinator) refreshAll(ctx context.Context) int {
	c.mu.Lock()
	if c.locked || c.switching {
		c.mu.Unlock()
		return 0
	}
	assets := sortedKeys(c.active)
	c.mu.Unlock()
	if len(assets) == 0 {
		return 0
	}

	workers := c.cfg.RefreshWorkers
	if workers <= 0 {
		workers = 1
	}
	var refreshed int
	results := make(chan bool, len(assets))
	p := pool.New().WithContext(ctx).WithMaxGoroutines(workers)
	for _, asset := range assets {
		p.Go(func(ctx context.Context) error {
			results <- c.refreshAsset(ctx, asset)
			return nil
		})
	}
	_ = p.Wait()
	close(results)
	for ok := range results {
		if ok {
			refreshed++
		}
	}
	return refreshed
}

// refreshAsset runs the refresh sequence unless another operation already
// refreshes asset.
func (c *Coordinator) refreshAsset(ctx context.Context, asset string) bool {
	if !c.claim(asset) {
		return false
	}
	defer c.release(asset)
	c.sendTemplates(ctx, asset, c.cfg.RefreshTemplates, c.cfg.SwitchPeriod)
	c.metrics.recordRefresh(asset, refreshScheduled)
	return true
}

// checkSilence runs one watchdog pass and returns the assets scheduled for an
// emergency refresh.
func (c *Coordinator) checkSilence(ctx context.Context) []string {
	now := c.clock()
	threshold := c.cfg.SilenceThreshold.Std()

	c.mu.Lock()
	if c.locked || c.switching {
		c.mu.Unlock()
		return nil
	}
	var due, escalations []string
	for asset := range c.monitored {
		if now.Sub(c.lastTick[asset]) <= threshold {
			continue
		}
		if _, busy := c.refreshing[asset]; busy {
			continue
		}
		c.refreshing[asset] = struct{}{}
		// a fresh grace period before the next emergency refresh
		c.lastTick[asset] = now
		c.streak[asset]++
		if c.cfg.EscalateAfter > 0 && c.streak[asset] >= c.cfg.EscalateAfter {
			escalations = append(escalations, asset)
			c.streak[asset] = 0
		}
		due = append(due, asset)
	}
	c.mu.Unlock()

	sort.Strings(due)
	for _, asset := range due {
		c.scheduleEmergency(ctx, asset)
	}
	for _, asset := range escalations {
		c.logger.Printf("coordinator: %s still silent after %d emergency refreshes", asset, c.cfg.EscalateAfter)
		if c.escalate != nil {
			c.escalate(asset)
		}
	}
	return due
}

func (c *Coordinator) scheduleEmergency(ctx context.Context, asset string) {
	task := func(taskCtx context.Context) error {
		defer c.release(asset)
		c.sendTemplates(taskCtx, asset, c.cfg.RefreshTemplates, c.cfg.SwitchPeriod)
		c.metrics.recordRefresh(asset, refreshEmergency)
		return nil
	}
	if c.emergency == nil {
		_ = task(ctx)
		return
	}
	if err := c.emergency.Submit(ctx, task); err != nil {
		c.release(asset)
		c.logger.Printf("coordinator: emergency refresh for %s not scheduled: %v", asset, err)
	}
}

func (c *Coordinator) claim(asset string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.refreshing[asset]; busy {
		return false
	}
	c.refreshing[asset] = struct{}{}
	return true
}

func (c *Coordinator) release(asset string) {
	c.mu.Lock()
	delete(c.refreshing, asset)
	c.mu.Unlock()
}

// sendTemplates renders and sends each template through the rate limiter and
// returns how many the page accepted.
func (c *Coordinator) sendTemplates(ctx context.Context, asset string, templates []string, period int) int {
	replacer := strings.NewReplacer("{asset}", asset, "{period}", strconv.Itoa(period))
	sent := 0
	for _, tpl := range templates {
		if err := c.limiter.Wait(ctx); err != nil {
			return sent
		}
		ok, err := c.page.SendIntoPage(ctx, replacer.Replace(tpl))
		if err != nil || !ok {
			c.mu.Lock()
			c.sendFailures++
			c.mu.Unlock()
			c.metrics.recordSend(asset, false)
			if err != nil {
				c.logger.Printf("coordinator: send for %s failed: %v", asset, err)
			}
			continue
		}
		c.metrics.recordSend(asset, true)
		sent++
	}
	return sent
}
