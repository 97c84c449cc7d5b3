// Package instrument loads the page scripts re-armed after every reload and
// rejects malformed ones at startup.
package instrument

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/dop251/goja"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/internal/config"
	"github.com/coachpo/tickrelay/internal/driver"
)

//go:embed scripts/*.js
var builtin embed.FS

// Builtin script names, in arming order.
const (
	CaptureScript    = "capture"
	SuppressorScript = "render_suppressor"
)

// Set is an ordered, syntax-checked collection of page scripts.
type Set struct {
	scripts []driver.Script
}

// Load reads and compiles the configured scripts. With no scripts configured it
// falls back to the builtin frame-capture hook and render suppressor.
func Load(cfg config.InstrumentConfig) (*Set, error) {
	if len(cfg.Scripts) == 0 {
		return Builtin()
	}
	set := &Set{scripts: make([]driver.Script, 0, len(cfg.Scripts))}
	for _, sc := range cfg.Scripts {
		raw, err := os.ReadFile(sc.Path) // #nosec G304 -- path is operator controlled.
		if err != nil {
			return nil, errs.New("instrument", errs.CodeNotFound,
				errs.WithMessage("read script"),
				errs.WithField("script", sc.Name),
				errs.WithCause(err))
		}
		if err := set.add(sc.Name, string(raw)); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Builtin returns the embedded scripts.
func Builtin() (*Set, error) {
	set := &Set{}
	for _, name := range []string{CaptureScript, SuppressorScript} {
		raw, err := builtin.ReadFile(path.Join("scripts", name+".js"))
		if err != nil {
			return nil, fmt.Errorf("builtin script %s: %w", name, err)
		}
		if err := set.add(name, string(raw)); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func (s *Set) add(name, source string) error {
	if _, err := goja.Compile(name, source, false); err != nil {
		return errs.New("instrument", errs.CodeInvalid,
			errs.WithMessage("script does not compile"),
			errs.WithField("script", name),
			errs.WithRemediation("fix the script syntax or remove it from instrument.scripts"),
			errs.WithCause(err))
	}
	s.scripts = append(s.scripts, driver.Script{Name: name, Source: source})
	return nil
}

// Scripts returns a copy of the scripts in arming order.
func (s *Set) Scripts() []driver.Script {
	if s == nil {
		return nil
	}
	return append([]driver.Script(nil), s.scripts...)
}

// Len returns the number of scripts.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.scripts)
}

// ArmAll arms every script on diag. A failing script does not stop the rest.
func (s *Set) ArmAll(ctx context.Context, diag driver.Diagnostics) error {
	if s == nil || diag == nil {
		return nil
	}
	var failures []error
	for _, script := range s.scripts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("arm scripts: %w", err)
		}
		if err := diag.Arm(ctx, script); err != nil {
			failures = append(failures, fmt.Errorf("arm %s: %w", script.Name, err))
		}
	}
	return errors.Join(failures...)
}
