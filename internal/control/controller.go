package control

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/internal/config"
	"github.com/coachpo/tickrelay/internal/health"
	"github.com/coachpo/tickrelay/internal/schema"
)

// Switcher moves the relay between assets.
type Switcher interface {
	ForceSwitch(ctx context.Context, asset string) error
	EmergencyReset(reason string)
}

// Healer runs health checks and queues corrective action.
type Healer interface {
	Check(ctx context.Context) health.Report
	Trigger(reason string)
}

// Reporter sends a status report downstream. Naming sections restricts the
// report to those components.
type Reporter interface {
	Report(reason string, sections ...string) bool
}

// SettingsStore applies partial runtime configuration updates.
type SettingsStore interface {
	Merge(patch []byte) (config.RuntimeConfig, error)
}

// Status sections sent for websocket_status.
var websocketSections = []string{"bridge", "decoder", "ingress"}

// ControllerOption configures controller dependencies.
type ControllerOption func(*Controller)

// WithSwitcher configures the asset switcher.
func WithSwitcher(s Switcher) ControllerOption {
	return func(c *Controller) { c.switcher = s }
}

// WithHealer configures the health monitor.
func WithHealer(h Healer) ControllerOption {
	return func(c *Controller) { c.healer = h }
}

// WithReporter configures the status reporter.
func WithReporter(r Reporter) ControllerOption {
	return func(c *Controller) { c.reporter = r }
}

// WithSettings configures the runtime settings store.
func WithSettings(s SettingsStore) ControllerOption {
	return func(c *Controller) { c.settings = s }
}

// WithStop configures the process stop hook used by emergency_stop.
func WithStop(fn func(reason string)) ControllerOption {
	return func(c *Controller) { c.stop = fn }
}

// WithControllerLogger overrides the controller logger.
func WithControllerLogger(logger *log.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Controller executes bus commands and acknowledges each one.
type Controller struct {
	bus      Bus
	switcher Switcher
	healer   Healer
	reporter Reporter
	settings SettingsStore
	stop     func(reason string)
	logger   *log.Logger
	metrics  *controlMetrics
}

// NewController creates a controller consuming bus.
func NewController(bus Bus, opts ...ControllerOption) *Controller {
	c := &Controller{bus: bus, logger: log.Default(), metrics: newControlMetrics()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start consumes commands until ctx is cancelled or the bus closes.
func (c *Controller) Start(ctx context.Context) error {
	messages, err := c.bus.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume control bus: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("controller context: %w", ctx.Err())
		case msg, ok := <-messages:
			if !ok {
				if err := ctx.Err(); err != nil {
					return fmt.Errorf("controller context: %w", err)
				}
				return nil
			}
			ack := c.handle(ctx, msg.Command)
			if msg.Reply != nil {
				msg.Reply <- ack
			}
		}
	}
}

func (c *Controller) handle(ctx context.Context, cmd schema.Command) schema.Ack {
	ack := schema.Ack{ID: cmd.ID, Action: cmd.Action, Timestamp: time.Now().UTC()}
	result, err := c.execute(ctx, cmd)
	if err != nil {
		ack.Error = err.Error()
		c.metrics.recordCommand(cmd.Action, "error")
		c.logger.Printf("control: %s failed: %v", cmd.Action, err)
		return ack
	}
	ack.Success = true
	ack.Result = result
	c.metrics.recordCommand(cmd.Action, "ok")
	return ack
}

func (c *Controller) execute(ctx context.Context, cmd schema.Command) (any, error) {
	switch cmd.Action {
	case schema.ActionRestartPage:
		if c.healer == nil {
			return nil, missing(cmd.Action, "health monitor")
		}
		c.healer.Trigger(health.ReasonManual)
		return map[string]string{"queued": health.ReasonManual}, nil

	case schema.ActionGetStatus:
		return nil, c.report(cmd.Action, string(cmd.Action))

	case schema.ActionForceAssetChange:
		if cmd.Asset == "" {
			return nil, errs.New("control", errs.CodeInvalid, errs.WithMessage("asset required"))
		}
		if c.switcher == nil {
			return nil, missing(cmd.Action, "coordinator")
		}
		if err := c.switcher.ForceSwitch(ctx, cmd.Asset); err != nil {
			return nil, err
		}
		return map[string]string{"asset": cmd.Asset}, nil

	case schema.ActionEmergencyStop:
		if c.switcher != nil {
			c.switcher.EmergencyReset(string(schema.ActionEmergencyStop))
		}
		if c.stop == nil {
			return nil, missing(cmd.Action, "stop hook")
		}
		c.stop(string(schema.ActionEmergencyStop))
		return nil, nil

	case schema.ActionHealthCheck:
		if c.healer == nil {
			return nil, missing(cmd.Action, "health monitor")
		}
		report := c.healer.Check(ctx)
		if err := c.report(cmd.Action, string(cmd.Action)); err != nil {
			return nil, err
		}
		return report, nil

	case schema.ActionChangeSettings:
		if len(cmd.Settings) == 0 {
			return nil, errs.New("control", errs.CodeInvalid, errs.WithMessage("settings required"))
		}
		if c.settings == nil {
			return nil, missing(cmd.Action, "settings store")
		}
		updated, err := c.settings.Merge(cmd.Settings)
		if err != nil {
			return nil, errs.New("control", errs.CodeInvalid, errs.WithMessage("settings rejected"), errs.WithCause(err))
		}
		c.logger.Printf("control: runtime settings updated")
		return updated, nil

	case schema.ActionWebsocketStatus:
		return nil, c.report(cmd.Action, string(cmd.Action), websocketSections...)

	default:
		c.logger.Printf("control: unknown action %q ignored", cmd.Action)
		return nil, errs.New("control", errs.CodeNotFound, errs.WithMessage("unknown action"), errs.WithField("action", string(cmd.Action)))
	}
}

func (c *Controller) report(action schema.Action, reason string, sections ...string) error {
	if c.reporter == nil {
		return missing(action, "status reporter")
	}
	if !c.reporter.Report(reason, sections...) {
		return errs.New("control", errs.CodeUnavailable, errs.WithMessage("status report refused by delivery queue"))
	}
	return nil
}

func missing(action schema.Action, what string) error {
	return errs.New("control", errs.CodeUnavailable,
		errs.WithMessage(what+" not configured"),
		errs.WithField("action", string(action)))
}
