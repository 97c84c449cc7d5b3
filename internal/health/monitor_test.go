package health

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/internal/config"
	"github.com/coachpo/tickrelay/internal/coordinator"
	"github.com/coachpo/tickrelay/internal/driver"
	"github.com/coachpo/tickrelay/internal/instrument"
	"github.com/coachpo/tickrelay/internal/schema"
)

type fakeDiag struct {
	mu          sync.Mutex
	heapMB      float64
	heapErr     error
	reloads     int
	reloadErr   error
	panicReload bool
	armed       []string
	clears      int
	gcs         int
}

func (d *fakeDiag) HeapUsage(context.Context) (driver.HeapSample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.heapErr != nil {
		return driver.HeapSample{}, d.heapErr
	}
	return driver.HeapSample{UsedBytes: uint64(d.heapMB * (1 << 20))}, nil
}

func (d *fakeDiag) Reload(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panicReload {
		panic("page crashed")
	}
	d.reloads++
	return d.reloadErr
}

func (d *fakeDiag) Arm(_ context.Context, s driver.Script) error {
	d.mu.Lock()
	d.armed = append(d.armed, s.Name)
	d.mu.Unlock()
	return nil
}

func (d *fakeDiag) ClearNetworkCache(context.Context) error {
	d.mu.Lock()
	d.clears++
	d.mu.Unlock()
	return nil
}

func (d *fakeDiag) CollectGarbage(context.Context) error {
	d.mu.Lock()
	d.gcs++
	d.mu.Unlock()
	return nil
}

func (d *fakeDiag) reloadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reloads
}

type fakeSink struct {
	mu   sync.Mutex
	msgs []schema.Outbound
}

func (s *fakeSink) Enqueue(msg schema.Outbound) bool {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return true
}

func (s *fakeSink) alerts() []schema.HealthAlertPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.HealthAlertPayload
	for _, m := range s.msgs {
		if a, ok := m.Payload.(schema.HealthAlertPayload); ok {
			out = append(out, a)
		}
	}
	return out
}

func (s *fakeSink) count(tag schema.MessageType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.Type() == tag {
			n++
		}
	}
	return n
}

type fakeSampler struct{ sample ProcessSample }

func (f fakeSampler) Sample(context.Context) (ProcessSample, error) { return f.sample, nil }

type nopPage struct{}

func (nopPage) SendIntoPage(context.Context, string) (bool, error) { return true, nil }

type fixture struct {
	coord   *coordinator.Coordinator
	runtime *config.RuntimeStore
	diag    *fakeDiag
	sink    *fakeSink
	mon     *Monitor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ccfg := config.Default().Coordinator
	ccfg.Stabilization = 0
	ccfg.SendRate = 1000
	rcfg := config.DefaultRuntimeConfig()
	coord, err := coordinator.New(ccfg, []int{60}, rcfg.Refresh, nopPage{})
	require.NoError(t, err)

	rcfg.Health.ErrorCeiling = 3
	rcfg.Health.HeapCeilingMB = 100
	store, err := config.NewRuntimeStore(rcfg)
	require.NoError(t, err)

	scripts, err := instrument.Builtin()
	require.NoError(t, err)

	f := &fixture{coord: coord, runtime: store, diag: &fakeDiag{heapMB: 50}, sink: &fakeSink{}}
	hcfg := config.Default().Health
	hcfg.RetryMaxElapsed = config.Duration(5 * time.Second)
	base := []Option{WithScripts(scripts), WithRetryInterval(10 * time.Millisecond)}
	f.mon, err = New(hcfg, store, coord, f.diag, f.sink, append(base, opts...)...)
	require.NoError(t, err)
	return f
}

func TestCheckTriggersMemoryCorrection(t *testing.T) {
	f := newFixture(t)
	f.diag.heapMB = 150

	report := f.mon.Check(context.Background())
	require.True(t, report.HeapSampled)
	require.InDelta(t, 150, report.HeapMB, 0.01)
	require.Equal(t, []string{ReasonMemory}, report.Triggered)
	require.Equal(t, []string{ReasonMemory}, f.mon.Stats().Pending)
}

func TestCheckResetsErrorCounter(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		f.coord.RecordError()
	}
	report := f.mon.Check(context.Background())
	require.Equal(t, uint64(4), report.ErrorCount)
	require.Contains(t, report.Triggered, ReasonErrors)
	require.Zero(t, f.coord.ErrorCount())

	// at the ceiling is not above it
	for i := 0; i < 3; i++ {
		f.coord.RecordError()
	}
	require.NotContains(t, f.mon.Check(context.Background()).Triggered, ReasonErrors)
}

func TestCheckDetectsStall(t *testing.T) {
	now := time.Date(2025, 6, 30, 16, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))

	report := f.mon.Check(context.Background())
	require.Equal(t, float64(-1), report.SecondsSinceLastPip)
	require.Empty(t, report.Triggered, "no pip yet is not a stall")

	f.coord.Admit("EURUSD_otc", now.Add(-61*time.Second))
	report = f.mon.Check(context.Background())
	require.Equal(t, []string{ReasonStalled}, report.Triggered)
	require.InDelta(t, 61, report.SecondsSinceLastPip, 0.001)
}

func TestCheckProcessWarnings(t *testing.T) {
	f := newFixture(t, WithSampler(fakeSampler{sample: ProcessSample{RSSMB: 900, CPUPercent: 95}}))
	report := f.mon.Check(context.Background())
	require.Equal(t, 900.0, report.RSSMB)
	require.Empty(t, report.Triggered, "process ceilings only warn")

	alerts := f.sink.alerts()
	require.Len(t, alerts, 2)
	require.Equal(t, schema.AlertWarning, alerts[0].Type)
	require.Contains(t, alerts[0].Message, "rss")
	require.Contains(t, alerts[1].Message, "cpu")
}

func TestCheckToleratesHeapProbeFailure(t *testing.T) {
	f := newFixture(t)
	f.diag.heapErr = errs.New("driver/bridge", errs.CodeUnavailable)
	report := f.mon.Check(context.Background())
	require.False(t, report.HeapSampled)
	require.Empty(t, report.Triggered)
}

func TestCorrectReloadsAndRearms(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mon.Correct(context.Background(), ReasonManual))

	require.Equal(t, 1, f.diag.reloadCount())
	require.Equal(t, []string{instrument.CaptureScript, instrument.SuppressorScript}, f.diag.armed)
	alerts := f.sink.alerts()
	require.Len(t, alerts, 1)
	require.Equal(t, schema.AlertInfo, alerts[0].Type)
	require.False(t, f.coord.Status().Locked, "gate released")
	require.Equal(t, uint64(1), f.mon.Stats().Corrections)
}

func TestCorrectBusyGate(t *testing.T) {
	f := newFixture(t)
	_, ok := f.coord.RequestSwitchPermission("switch:GBPUSD_otc")
	require.True(t, ok)

	err := f.mon.Correct(context.Background(), ReasonMemory)
	require.True(t, errs.Is(err, errs.CodeBusy))
	require.Zero(t, f.diag.reloadCount())
}

func TestCorrectReloadFailureReleasesGate(t *testing.T) {
	f := newFixture(t)
	f.diag.reloadErr = errs.New("driver/bridge", errs.CodeTimeout)

	err := f.mon.Correct(context.Background(), ReasonErrors)
	require.True(t, errs.Is(err, errs.CodeDriver))
	require.False(t, f.coord.Status().Locked)
	require.Empty(t, f.diag.armed)
	require.Equal(t, uint64(1), f.mon.Stats().CorrectionFailures)
}

func TestCorrectPanicResetsCoordinator(t *testing.T) {
	f := newFixture(t)
	f.diag.panicReload = true

	err := f.mon.Correct(context.Background(), ReasonStalled)
	require.True(t, errs.Is(err, errs.CodeDriver))

	st := f.coord.Status()
	require.Equal(t, uint64(1), st.EmergencyResets)
	require.False(t, st.Locked)
	alerts := f.sink.alerts()
	require.NotEmpty(t, alerts)
	last := alerts[len(alerts)-1]
	require.Equal(t, schema.AlertCritical, last.Type)
	require.True(t, strings.Contains(last.Message, "unrecoverable"))

	_, ok := f.coord.RequestSwitchPermission("after")
	require.True(t, ok, "gate usable after the reset")
}

func TestTriggersCoalesceAndRetryBusyGate(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	lease, ok := f.coord.RequestSwitchPermission("switch:EURUSD_otc")
	require.True(t, ok)

	f.mon.Trigger(ReasonWatchdog)
	f.mon.Trigger(ReasonWatchdog)
	require.Equal(t, []string{ReasonWatchdog}, f.mon.Stats().Pending)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mon.RunTriggers(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, f.diag.reloadCount(), "busy gate defers the action")
	require.True(t, f.coord.FinishSwitch(context.Background(), lease))

	require.Eventually(t, func() bool { return f.diag.reloadCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.diag.reloadCount(), "coalesced triggers run once")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestDeepClean(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mon.DeepClean(context.Background()))
	require.Equal(t, 1, f.diag.clears)
	require.Equal(t, 1, f.diag.gcs)
	require.Equal(t, uint64(1), f.mon.Stats().DeepCleans)
	require.False(t, f.coord.Status().Locked)

	_, ok := f.coord.RequestSwitchPermission("switch:X")
	require.True(t, ok)
	require.True(t, errs.Is(f.mon.DeepClean(context.Background()), errs.CodeBusy))
}

func TestStatusReportsLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, WithStatusReporter(func(reason string) schema.StatusReportPayload {
		return schema.StatusReportPayload{Reason: reason, Components: map[string]any{}}
	}))
	f.mon.cfg.StatusInterval = config.Duration(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mon.RunStatusReports(ctx) }()
	require.Eventually(t, func() bool { return f.sink.count(schema.TypeStatusReport) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestDisabledLoopsWaitForCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	f.mon.cfg.DeepCleanInterval = 0
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mon.RunDeepClean(ctx) }()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.False(t, f.mon.ReportStatus("manual"), "no reporter configured")
}

func TestNewValidation(t *testing.T) {
	f := newFixture(t)
	_, err := New(config.Default().Health, nil, f.coord, f.diag, f.sink)
	require.Error(t, err)
	cfg := config.Default().Health
	cfg.CheckInterval = 0
	_, err = New(cfg, f.runtime, f.coord, f.diag, f.sink)
	require.Error(t, err)
}
