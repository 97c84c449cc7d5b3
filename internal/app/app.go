// Package app assembles the relay from its components and owns their
// lifecycle: every long-running loop is started by Run and stopped by the
// graceful shutdown sequence that follows.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tickrelay/internal/aggregator"
	"github.com/coachpo/tickrelay/internal/config"
	"github.com/coachpo/tickrelay/internal/control"
	"github.com/coachpo/tickrelay/internal/coordinator"
	"github.com/coachpo/tickrelay/internal/decoder"
	"github.com/coachpo/tickrelay/internal/delivery"
	"github.com/coachpo/tickrelay/internal/driver"
	"github.com/coachpo/tickrelay/internal/health"
	"github.com/coachpo/tickrelay/internal/ingress"
	"github.com/coachpo/tickrelay/internal/instrument"
	"github.com/coachpo/tickrelay/internal/pipeline"
	"github.com/coachpo/tickrelay/internal/preload"
	"github.com/coachpo/tickrelay/internal/schema"
	"github.com/coachpo/tickrelay/lib/async"
)

const (
	onboardPoolName         = "onboard"
	emergencyPoolName       = "emergency"
	controlBusBuffer        = 64
	commandTimeout          = 30 * time.Second
	bridgeReadHeaderTimeout = 5 * time.Second
	bridgeShutdownTimeout   = 5 * time.Second
	loopShutdownTimeout     = 10 * time.Second
	deliveryFlushTimeout    = 5 * time.Second
	poolShutdownTimeout     = 5 * time.Second
	processSampleTimeout    = 2 * time.Second
	reasonShutdown          = "shutdown"
)

// App is a fully wired relay.
type App struct {
	cfg    config.AppConfig
	logger *log.Logger

	runtime    *config.RuntimeStore
	ingress    *ingress.Queue
	bridge     *driver.Bridge
	server     *http.Server
	decoder    *decoder.Decoder
	onboard    *async.Pool
	emergency  *async.Pool
	coord      *coordinator.Coordinator
	tracker    *preload.Tracker
	agg        *aggregator.Aggregator
	pipeline   *pipeline.Pipeline
	delivery   *delivery.Queue
	acceptor   *delivery.Acceptor
	scripts    *instrument.Set
	sampler    health.Sampler
	monitor    *health.Monitor
	status     *statusReporter
	bus        *control.MemoryBus
	controller *control.Controller
	reader     *control.Reader

	bridgeLn net.Listener
	stop     context.CancelCauseFunc
	stopped  chan struct{}
}

// Option customises an App.
type Option func(*App)

// WithLogger overrides the application logger shared by every component.
func WithLogger(logger *log.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New builds every component from cfg. Nothing runs until Run is called.
func New(ctx context.Context, cfg config.AppConfig, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, logger: log.Default(), stopped: make(chan struct{})}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if err := a.build(ctx); err != nil {
		a.release()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	store, err := config.NewRuntimeStore(cfg.Runtime)
	if err != nil {
		return fmt.Errorf("runtime config: %w", err)
	}
	a.runtime = store
	runtimeCfg := store.Snapshot()

	a.ingress = ingress.NewQueue(cfg.Ingress.QueueSize)
	a.bridge, err = driver.NewBridge(cfg.Bridge, a.publishFrame, driver.WithBridgeLogger(logger))
	if err != nil {
		return fmt.Errorf("driver bridge: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Bridge.Path, a.bridge)
	a.server = &http.Server{
		Addr:              cfg.Bridge.Addr,
		Handler:           mux,
		ReadHeaderTimeout: bridgeReadHeaderTimeout,
		ErrorLog:          logger,
	}

	a.scripts, err = instrument.Load(cfg.Instrument)
	if err != nil {
		return fmt.Errorf("instrumentation: %w", err)
	}
	a.decoder = decoder.New()

	a.onboard, err = async.NewPool(onboardPoolName, cfg.Preload.OnboardWorkers, cfg.Preload.OnboardQueue, logger)
	if err != nil {
		return fmt.Errorf("onboard pool: %w", err)
	}
	a.emergency, err = async.NewPool(emergencyPoolName, cfg.Coordinator.EmergencyWorkers, cfg.Coordinator.EmergencyWorkers, logger)
	if err != nil {
		return fmt.Errorf("emergency pool: %w", err)
	}

	a.coord, err = coordinator.New(cfg.Coordinator, cfg.Preload.RequiredTimeframes, runtimeCfg.Refresh, a.bridge,
		coordinator.WithLogger(logger),
		coordinator.WithEmergencyPool(a.emergency),
		coordinator.WithEscalation(a.escalate))
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	a.tracker, err = preload.NewTracker(cfg.Preload.RequiredTimeframes, a.coord, a.onboard, preload.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("preload tracker: %w", err)
	}
	a.agg, err = aggregator.New(cfg.Aggregator.Bucket.Std(), aggregator.LimitsFrom(runtimeCfg), aggregator.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}

	a.delivery, err = delivery.NewQueue(cfg.Delivery, delivery.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("delivery queue: %w", err)
	}
	a.pipeline, err = pipeline.New(a.decoder, a.tracker, a.agg, a.coord, a.delivery, pipeline.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	a.status = newStatusReporter(a.delivery, nil)
	monitorOpts := []health.Option{
		health.WithLogger(logger),
		health.WithScripts(a.scripts),
		health.WithStatusReporter(a.status.buildAll),
	}
	if sampler, err := health.NewProcessSampler(ctx); err != nil {
		logger.Printf("app: process sampling disabled: %v", err)
	} else {
		a.sampler = sampler
		monitorOpts = append(monitorOpts, health.WithSampler(sampler))
	}
	a.monitor, err = health.New(cfg.Health, store, a.coord, a.bridge, a.delivery, monitorOpts...)
	if err != nil {
		return fmt.Errorf("health monitor: %w", err)
	}

	a.bus = control.NewMemoryBus(controlBusBuffer)
	a.controller = control.NewController(a.bus,
		control.WithSwitcher(a.coord),
		control.WithHealer(a.monitor),
		control.WithReporter(a.status),
		control.WithSettings(store),
		control.WithStop(a.requestStop),
		control.WithControllerLogger(logger))
	a.reader = control.NewReader(a.bus, commandTimeout, logger)

	a.acceptor, err = delivery.NewAcceptor(cfg.Delivery.Network, cfg.Delivery.Addr, a.delivery,
		delivery.WithConnHandler(a.serveCommands),
		delivery.WithAcceptorLogger(logger))
	if err != nil {
		return fmt.Errorf("delivery acceptor: %w", err)
	}

	store.OnChange(func(rc config.RuntimeConfig) {
		a.agg.SetLimits(aggregator.LimitsFrom(rc))
		a.coord.SetRefreshWindow(rc.Refresh)
	})
	a.registerSections()
	return nil
}

func (a *App) registerSections() {
	a.status.register(SectionCoordinator, func() any { return a.coord.Status() })
	a.status.register(SectionDelivery, func() any { return a.delivery.Stats() })
	a.status.register(SectionDecoder, func() any { return a.decoder.Stats() })
	a.status.register(SectionPreload, func() any { return a.tracker.Snapshot() })
	a.status.register(SectionPipeline, func() any { return a.pipeline.Stats() })
	a.status.register(SectionAggregator, func() any { return map[string]int{"assets": a.agg.Assets()} })
	a.status.register(SectionBridge, func() any { return a.bridge.Stats() })
	a.status.register(SectionIngress, func() any {
		return map[string]any{
			"pending":   a.ingress.Len(),
			"published": a.ingress.Published(),
			"dropped":   a.ingress.Dropped(),
		}
	})
	a.status.register(SectionHealth, func() any { return a.monitor.Stats() })
	if a.sampler != nil {
		a.status.register(SectionProcess, func() any {
			ctx, cancel := context.WithTimeout(context.Background(), processSampleTimeout)
			defer cancel()
			sample, err := a.sampler.Sample(ctx)
			if err != nil {
				return map[string]string{"error": err.Error()}
			}
			return sample
		})
	}
}

// Listen binds the bridge and delivery sockets so their addresses are known
// before Run. Run calls it when it has not been called.
func (a *App) Listen() error {
	if a.bridgeLn == nil {
		ln, err := net.Listen("tcp", a.cfg.Bridge.Addr)
		if err != nil {
			return fmt.Errorf("bridge listen: %w", err)
		}
		a.bridgeLn = ln
		a.logger.Printf("app: bridge listening on ws://%s%s", ln.Addr(), a.cfg.Bridge.Path)
	}
	if a.acceptor.Addr() == nil {
		if err := a.acceptor.Listen(); err != nil {
			return err
		}
	}
	return nil
}

// BridgeAddr returns the bound bridge address, or nil before Listen.
func (a *App) BridgeAddr() net.Addr {
	if a.bridgeLn == nil {
		return nil
	}
	return a.bridgeLn.Addr()
}

// DeliveryAddr returns the bound downstream address, or nil before Listen.
func (a *App) DeliveryAddr() net.Addr { return a.acceptor.Addr() }

// Publish hands a raw upstream frame to the ingress queue without blocking.
func (a *App) Publish(frame driver.Frame) error {
	return a.ingress.TryPublish(frame)
}

// Run starts every loop and blocks until ctx is cancelled or an
// emergency_stop command arrives, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	if err := a.Listen(); err != nil {
		return err
	}
	runCtx, stop := context.WithCancelCause(ctx)
	a.stop = stop
	defer stop(nil)

	egressCtx, stopEgress := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEgress()

	var loops, egress conc.WaitGroup
	a.spawn(&egress, "delivery", func() error { return a.delivery.Run(egressCtx) })
	a.spawn(&egress, "acceptor", func() error { return a.acceptor.Serve(egressCtx) })

	a.spawn(&loops, "bridge", func() error {
		if err := a.server.Serve(a.bridgeLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	a.spawn(&loops, "pipeline", func() error { return a.pipeline.Run(runCtx, a.ingress) })
	a.spawn(&loops, "aggregator", func() error { return a.agg.Run(runCtx, a.pipeline.EmitCandle) })
	a.spawn(&loops, "watchdog", func() error { return a.coord.RunWatchdog(runCtx) })
	a.spawn(&loops, "refresh", func() error { return a.coord.RunRefreshCycle(runCtx) })
	a.spawn(&loops, "health", func() error { return a.monitor.Run(runCtx) })
	a.spawn(&loops, "deep clean", func() error { return a.monitor.RunDeepClean(runCtx) })
	a.spawn(&loops, "status", func() error { return a.monitor.RunStatusReports(runCtx) })
	a.spawn(&loops, "corrections", func() error { return a.monitor.RunTriggers(runCtx) })
	a.spawn(&loops, "controller", func() error { return a.controller.Start(runCtx) })

	a.logger.Print("app: relay started")
	<-runCtx.Done()

	reason := reasonShutdown
	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		reason = cause.Error()
	}
	a.logger.Printf("app: stopping (%s)", reason)
	a.shutdown(reason, &loops, &egress, stopEgress)
	close(a.stopped)
	return nil
}

// Stopped is closed once Run has finished its shutdown sequence.
func (a *App) Stopped() <-chan struct{} { return a.stopped }

func (a *App) shutdown(reason string, loops, egress *conc.WaitGroup, stopEgress context.CancelFunc) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.logger.Printf("app: shutdown: %s failed: %v", name, err)
		}
	}

	a.delivery.Enqueue(schema.NewOutbound(schema.ShutdownPayload{
		Timestamp: time.Now().UnixMilli(),
		Reason:    reason,
	}))

	step("stopping bridge", bridgeShutdownTimeout, func(ctx context.Context) error {
		a.bridge.Close()
		return a.server.Shutdown(ctx)
	})
	a.ingress.Close()
	a.bus.Close()
	step("waiting for loops", loopShutdownTimeout, func(ctx context.Context) error {
		return waitGroup(ctx, loops)
	})

	a.delivery.Close()
	step("flushing delivery", deliveryFlushTimeout, a.delivery.Flush)
	stopEgress()
	step("waiting for delivery", loopShutdownTimeout, func(ctx context.Context) error {
		return waitGroup(ctx, egress)
	})
	a.release()
}

func (a *App) release() {
	ctx, cancel := context.WithTimeout(context.Background(), poolShutdownTimeout)
	defer cancel()
	for _, pool := range []*async.Pool{a.onboard, a.emergency} {
		if pool == nil {
			continue
		}
		if err := pool.Shutdown(ctx); err != nil {
			a.logger.Printf("app: pool shutdown: %v", err)
		}
	}
}

func (a *App) spawn(wg *conc.WaitGroup, name string, fn func() error) {
	wg.Go(func() {
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Printf("app: %s loop stopped: %v", name, err)
		}
	})
}

func (a *App) publishFrame(frame driver.Frame) {
	_ = a.ingress.TryPublish(frame)
}

func (a *App) serveCommands(ctx context.Context, h *delivery.Handle) {
	a.logger.Printf("app: downstream %s connected", h.Peer())
	if err := a.reader.Serve(ctx, h.Conn()); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Printf("app: command reader %s: %v", h.Peer(), err)
	}
	a.delivery.Detach(h)
}

func (a *App) escalate(asset string) {
	a.logger.Printf("app: %s stayed silent through repeated refreshes; requesting page restart", asset)
	a.monitor.Trigger(health.ReasonWatchdog)
}

func (a *App) requestStop(reason string) {
	if a.stop != nil {
		a.stop(errors.New(reason))
	}
}

func waitGroup(ctx context.Context, wg *conc.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for goroutines: %w", ctx.Err())
	}
}
