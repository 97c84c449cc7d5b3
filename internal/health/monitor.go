// Package health watches page and process resources plus the tick flow, and
// takes gated corrective action when thresholds are crossed.
package health

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/internal/config"
	"github.com/coachpo/tickrelay/internal/coordinator"
	"github.com/coachpo/tickrelay/internal/driver"
	"github.com/coachpo/tickrelay/internal/instrument"
	"github.com/coachpo/tickrelay/internal/schema"
	"github.com/coachpo/tickrelay/internal/telemetry"
)

// Corrective action reasons.
const (
	ReasonMemory   = "memory"
	ReasonErrors   = "errors"
	ReasonStalled  = "stalled"
	ReasonWatchdog = "watchdog"
	ReasonManual   = "manual"
)

const probeTimeout = 10 * time.Second

// Gate is the coordinator surface the monitor drives.
type Gate interface {
	RequestSwitchPermission(holder string) (coordinator.Lease, bool)
	FinishSwitch(ctx context.Context, lease coordinator.Lease) bool
	EmergencyReset(reason string)
	ErrorCount() uint64
	ResetErrors()
	LastPip() time.Time
}

// Sink accepts outbound alerts and reports.
type Sink interface {
	Enqueue(msg schema.Outbound) bool
}

// StatusReporter builds a status report for reason.
type StatusReporter func(reason string) schema.StatusReportPayload

// Report is the outcome of one health check.
type Report struct {
	CheckedAt           int64    `json:"checkedAt"`
	HeapMB              float64  `json:"heapMB"`
	HeapSampled         bool     `json:"heapSampled"`
	RSSMB               float64  `json:"rssMB"`
	CPUPercent          float64  `json:"cpuPercent"`
	ErrorCount          uint64   `json:"errorCount"`
	SecondsSinceLastPip float64  `json:"secondsSinceLastPip"`
	Triggered           []string `json:"triggered,omitempty"`
}

// Stats summarises monitor activity.
type Stats struct {
	Checks             uint64   `json:"checks"`
	Corrections        uint64   `json:"corrections"`
	CorrectionFailures uint64   `json:"correctionFailures"`
	DeepCleans         uint64   `json:"deepCleans"`
	Pending            []string `json:"pending"`
	LastReport         Report   `json:"lastReport"`
}

// Monitor runs the health loops.
type Monitor struct {
	cfg          config.HealthConfig
	runtime      *config.RuntimeStore
	gate         Gate
	diag         driver.Diagnostics
	sink         Sink
	scripts      *instrument.Set
	sampler      Sampler
	reporter     StatusReporter
	retryInitial time.Duration
	logger       *log.Logger
	clock        func() time.Time
	metrics      *healthMetrics

	mu      sync.Mutex
	pending map[string]struct{}
	last    Report
	wake    chan struct{}

	checks      atomic.Uint64
	corrections atomic.Uint64
	failures    atomic.Uint64
	deepCleans  atomic.Uint64
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithLogger overrides the monitor logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithScripts sets the instrumentation re-armed after a reload.
func WithScripts(scripts *instrument.Set) Option {
	return func(m *Monitor) {
		m.scripts = scripts
	}
}

// WithSampler sets the process resource sampler.
func WithSampler(sampler Sampler) Option {
	return func(m *Monitor) {
		m.sampler = sampler
	}
}

// WithStatusReporter sets the status report builder.
func WithStatusReporter(fn StatusReporter) Option {
	return func(m *Monitor) {
		m.reporter = fn
	}
}

// WithRetryInterval sets the first backoff interval of the trigger worker.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.retryInitial = d
		}
	}
}

// New constructs a monitor. Thresholds are read from runtime on every check.
func New(cfg config.HealthConfig, runtime *config.RuntimeStore, gate Gate, diag driver.Diagnostics, sink Sink, opts ...Option) (*Monitor, error) {
	if runtime == nil || gate == nil || diag == nil || sink == nil {
		return nil, errs.New("health", errs.CodeInvalid, errs.WithMessage("runtime store, gate, diagnostics and sink are required"))
	}
	if cfg.CheckInterval <= 0 {
		return nil, errs.New("health", errs.CodeInvalid, errs.WithMessage("check interval must be > 0"))
	}
	m := &Monitor{
		cfg:          cfg,
		runtime:      runtime,
		gate:         gate,
		diag:         diag,
		sink:         sink,
		retryInitial: time.Second,
		logger:       log.Default(),
		clock:        time.Now,
		metrics:      newHealthMetrics(),
		pending:      make(map[string]struct{}),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Run executes a health check every CheckInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	return m.every(ctx, m.cfg.CheckInterval.Std(), func() { m.Check(ctx) })
}

// RunDeepClean runs the deep clean every DeepCleanInterval. A zero interval disables it.
func (m *Monitor) RunDeepClean(ctx context.Context) error {
	return m.every(ctx, m.cfg.DeepCleanInterval.Std(), func() {
		if err := m.DeepClean(ctx); err != nil {
			m.logger.Printf("health: deep clean skipped: %v", err)
		}
	})
}

// RunStatusReports sends a status report every StatusInterval. A zero interval disables it.
func (m *Monitor) RunStatusReports(ctx context.Context) error {
	return m.every(ctx, m.cfg.StatusInterval.Std(), func() { m.ReportStatus("periodic") })
}

func (m *Monitor) every(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}

// Check samples every signal once and triggers corrective action for each
// crossed threshold.
func (m *Monitor) Check(ctx context.Context) Report {
	limits := m.runtime.Snapshot().Health
	now := m.clock()
	report := Report{CheckedAt: now.UnixMilli(), SecondsSinceLastPip: -1}
	m.checks.Add(1)
	m.metrics.recordCheck()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	heap, err := m.diag.HeapUsage(probeCtx)
	cancel()
	if err != nil {
		m.logger.Printf("health: heap probe failed: %v", err)
	} else {
		report.HeapMB = heap.UsedMB()
		report.HeapSampled = true
		m.metrics.recordHeap(report.HeapMB)
		if report.HeapMB > limits.HeapCeilingMB {
			report.Triggered = append(report.Triggered, ReasonMemory)
		}
	}

	if m.sampler != nil {
		sample, err := m.sampler.Sample(ctx)
		if err != nil {
			m.logger.Printf("health: process sample failed: %v", err)
		} else {
			report.RSSMB = sample.RSSMB
			report.CPUPercent = sample.CPUPercent
			m.metrics.recordRSS(sample.RSSMB)
			if limits.RSSCeilingMB > 0 && sample.RSSMB > limits.RSSCeilingMB {
				m.Alert(schema.AlertWarning, fmt.Sprintf("process rss %.1fMB above %.0fMB", sample.RSSMB, limits.RSSCeilingMB))
			}
			if limits.CPUCeilingPercent > 0 && sample.CPUPercent > limits.CPUCeilingPercent {
				m.Alert(schema.AlertWarning, fmt.Sprintf("process cpu %.1f%% above %.0f%%", sample.CPUPercent, limits.CPUCeilingPercent))
			}
		}
	}

	report.ErrorCount = m.gate.ErrorCount()
	if report.ErrorCount > limits.ErrorCeiling {
		report.Triggered = append(report.Triggered, ReasonErrors)
		m.gate.ResetErrors()
	}

	if last := m.gate.LastPip(); !last.IsZero() {
		silence := now.Sub(last)
		report.SecondsSinceLastPip = float64(silence.Milliseconds()) / 1000
		if stall := limits.StallCeiling.Std(); stall > 0 && silence > stall {
			report.Triggered = append(report.Triggered, ReasonStalled)
		}
	}

	for _, reason := range report.Triggered {
		m.Trigger(reason)
	}
	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report
}

// Trigger queues corrective action for reason. Reasons already pending are coalesced.
func (m *Monitor) Trigger(reason string) {
	m.mu.Lock()
	_, dup := m.pending[reason]
	m.pending[reason] = struct{}{}
	m.mu.Unlock()
	if dup {
		return
	}
	m.logger.Printf("health: corrective action %q queued", reason)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// RunTriggers executes queued corrective actions one at a time. A busy gate
// is retried with exponential backoff up to RetryMaxElapsed.
func (m *Monitor) RunTriggers(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
		}
		for _, reason := range m.takePending() {
			if err := m.correctWithRetry(ctx, reason); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logger.Printf("health: corrective action %q abandoned: %v", reason, err)
			}
		}
	}
}

func (m *Monitor) takePending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	reasons := make([]string, 0, len(m.pending))
	for reason := range m.pending {
		reasons = append(reasons, reason)
	}
	m.pending = make(map[string]struct{})
	sort.Strings(reasons)
	return reasons
}

func (m *Monitor) correctWithRetry(ctx context.Context, reason string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.retryInitial
	opts := []backoff.RetryOption{
		backoff.WithBackOff(policy),
		backoff.WithNotify(func(err error, wait time.Duration) {
			m.logger.Printf("health: %s correction waiting %s: %v", reason, wait, err)
		}),
	}
	if limit := m.cfg.RetryMaxElapsed.Std(); limit > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(limit))
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := m.Correct(ctx, reason)
		if err != nil && !errs.Is(err, errs.CodeBusy) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, opts...)
	return err
}

// Correct reloads the page under the gate, re-arms instrumentation and alerts
// downstream. A busy gate returns errs.CodeBusy.
func (m *Monitor) Correct(ctx context.Context, reason string) error {
	err := m.gated(ctx, "health:"+reason, func() error {
		m.logger.Printf("health: corrective action %q started", reason)
		if err := m.diag.Reload(ctx); err != nil {
			m.Alert(schema.AlertWarning, fmt.Sprintf("corrective action %s: page reload failed: %v", reason, err))
			return errs.New("health", errs.CodeDriver, errs.WithMessage("page reload failed"), errs.WithField("reason", reason), errs.WithCause(err))
		}
		if err := m.scripts.ArmAll(ctx, m.diag); err != nil {
			m.Alert(schema.AlertWarning, fmt.Sprintf("corrective action %s: instrumentation incomplete: %v", reason, err))
		}
		m.Alert(schema.AlertInfo, fmt.Sprintf("corrective action %s completed: page reloaded, %d scripts armed", reason, m.scripts.Len()))
		return nil
	})
	switch {
	case err == nil:
		m.corrections.Add(1)
		m.metrics.recordCorrection(reason, telemetry.ResultSuccess)
	case errs.Is(err, errs.CodeBusy):
		m.metrics.recordCorrection(reason, telemetry.ResultBusy)
	default:
		m.failures.Add(1)
		m.metrics.recordCorrection(reason, telemetry.ResultError)
	}
	return err
}

// DeepClean clears the page network cache and collects garbage under the gate.
func (m *Monitor) DeepClean(ctx context.Context) error {
	return m.gated(ctx, "health:deep_clean", func() error {
		if err := m.diag.ClearNetworkCache(ctx); err != nil {
			m.logger.Printf("health: clear network cache: %v", err)
		}
		if err := m.diag.CollectGarbage(ctx); err != nil {
			m.logger.Printf("health: collect garbage: %v", err)
		}
		m.deepCleans.Add(1)
		m.Alert(schema.AlertInfo, "deep clean completed")
		return nil
	})
}

// gated runs fn while holding the coordinator gate. The gate is released on
// every path; a panic becomes an emergency reset plus a critical alert.
func (m *Monitor) gated(ctx context.Context, holder string, fn func() error) (err error) {
	lease, ok := m.gate.RequestSwitchPermission(holder)
	if !ok {
		return errs.New("health", errs.CodeBusy,
			errs.WithMessage("gate held"),
			errs.WithField("holder", holder),
			errs.WithRemediation("retried automatically once the current switch completes"))
	}
	defer func() {
		if r := recover(); r != nil {
			m.gate.EmergencyReset(fmt.Sprintf("%s panicked: %v", holder, r))
			m.Alert(schema.AlertCritical, fmt.Sprintf("unrecoverable fault in %s: %v; coordinator reset", holder, r))
			err = errs.New("health", errs.CodeDriver, errs.WithMessage(fmt.Sprint(r)), errs.WithField("holder", holder))
			return
		}
		m.gate.FinishSwitch(ctx, lease)
	}()
	return fn()
}

// Alert sends a health alert downstream.
func (m *Monitor) Alert(kind schema.AlertType, message string) {
	m.metrics.recordAlert(string(kind))
	m.logger.Printf("health: %s alert: %s", kind, message)
	m.sink.Enqueue(schema.NewOutbound(schema.HealthAlertPayload{
		Type:      kind,
		Message:   message,
		Source:    "health",
		Timestamp: m.clock().UnixMilli(),
	}))
}

// ReportStatus enqueues a status report. It returns false without a reporter
// or when the queue refuses the message.
func (m *Monitor) ReportStatus(reason string) bool {
	if m.reporter == nil {
		return false
	}
	return m.sink.Enqueue(schema.NewOutbound(m.reporter(reason)))
}

// Stats returns a snapshot of monitor activity.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	pending := make([]string, 0, len(m.pending))
	for reason := range m.pending {
		pending = append(pending, reason)
	}
	last := m.last
	m.mu.Unlock()
	sort.Strings(pending)
	return Stats{
		Checks:             m.checks.Load(),
		Corrections:        m.corrections.Load(),
		CorrectionFailures: m.failures.Load(),
		DeepCleans:         m.deepCleans.Load(),
		Pending:            pending,
		LastReport:         last,
	}
}
