package config

import (
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// SpikeConfig holds the adaptive spike-rejection thresholds of the tick aggregator.
type SpikeConfig struct {
	EarlyTicks    int     `json:"earlyTicks" yaml:"earlyTicks"`
	WarmTicks     int     `json:"warmTicks" yaml:"warmTicks"`
	EarlyPercent  float64 `json:"earlyPercent" yaml:"earlyPercent"`
	WarmPercent   float64 `json:"warmPercent" yaml:"warmPercent"`
	SteadyPercent float64 `json:"steadyPercent" yaml:"steadyPercent"`
}

// HealthThresholds holds the ceilings that drive corrective action and alerts.
type HealthThresholds struct {
	HeapCeilingMB     float64  `json:"heapCeilingMB" yaml:"heapCeilingMB"`
	ErrorCeiling      uint64   `json:"errorCeiling" yaml:"errorCeiling"`
	RSSCeilingMB      float64  `json:"rssCeilingMB" yaml:"rssCeilingMB"`
	CPUCeilingPercent float64  `json:"cpuCeilingPercent" yaml:"cpuCeilingPercent"`
	StallCeiling      Duration `json:"stallCeiling" yaml:"stallCeiling"`
}

// RefreshWindow bounds the randomised per-asset refresh interval.
type RefreshWindow struct {
	Min Duration `json:"min" yaml:"min"`
	Max Duration `json:"max" yaml:"max"`
}

// RuntimeConfig captures the settings that may be changed while running.
type RuntimeConfig struct {
	Spike    SpikeConfig      `json:"spike" yaml:"spike"`
	MaxPrice float64          `json:"maxPrice" yaml:"maxPrice"`
	Health   HealthThresholds `json:"health" yaml:"health"`
	Refresh  RefreshWindow    `json:"refresh" yaml:"refresh"`
}

// DefaultRuntimeConfig returns the runtime settings used when no overrides are supplied.
func DefaultRuntimeConfig() RuntimeConfig {
	cfg := RuntimeConfig{
		Spike: SpikeConfig{
			EarlyTicks:    5,
			WarmTicks:     20,
			EarlyPercent:  1000,
			WarmPercent:   500,
			SteadyPercent: 100,
		},
		MaxPrice: 100000,
		Health: HealthThresholds{
			HeapCeilingMB:     1000,
			ErrorCeiling:      100,
			RSSCeilingMB:      800,
			CPUCeilingPercent: 80,
			StallCeiling:      Duration(60 * time.Second),
		},
		Refresh: RefreshWindow{
			Min: Duration(90 * time.Second),
			Max: Duration(180 * time.Second),
		},
	}
	cfg.Normalise()
	return cfg
}

// Clone returns a copy of the runtime configuration.
func (c RuntimeConfig) Clone() RuntimeConfig {
	return c
}

// Normalise fills derived defaults.
func (c *RuntimeConfig) Normalise() {
	if c == nil {
		return
	}
	if c.Refresh.Max < c.Refresh.Min {
		c.Refresh.Max = c.Refresh.Min
	}
}

// Validate performs semantic validation on runtime fields.
func (c RuntimeConfig) Validate() error {
	if c.Spike.EarlyTicks <= 0 {
		return fmt.Errorf("spike.earlyTicks must be > 0")
	}
	if c.Spike.WarmTicks < c.Spike.EarlyTicks {
		return fmt.Errorf("spike.warmTicks must be >= spike.earlyTicks")
	}
	if c.Spike.EarlyPercent <= 0 || c.Spike.WarmPercent <= 0 || c.Spike.SteadyPercent <= 0 {
		return fmt.Errorf("spike percentages must be > 0")
	}
	if c.MaxPrice <= 0 {
		return fmt.Errorf("maxPrice must be > 0")
	}
	if c.Health.HeapCeilingMB <= 0 {
		return fmt.Errorf("health.heapCeilingMB must be > 0")
	}
	if c.Health.ErrorCeiling == 0 {
		return fmt.Errorf("health.errorCeiling must be > 0")
	}
	if c.Health.RSSCeilingMB < 0 || c.Health.CPUCeilingPercent < 0 {
		return fmt.Errorf("health process ceilings must be >= 0")
	}
	if c.Health.StallCeiling < 0 {
		return fmt.Errorf("health.stallCeiling must be >= 0")
	}
	if c.Refresh.Min <= 0 {
		return fmt.Errorf("refresh.min must be > 0")
	}
	return nil
}

// RuntimeStore provides concurrency-safe access to the runtime configuration
// and notifies subscribers on every accepted change.
type RuntimeStore struct {
	mu        sync.RWMutex
	cfg       RuntimeConfig
	listeners []func(RuntimeConfig)
}

// NewRuntimeStore validates initial and constructs a store around it.
func NewRuntimeStore(initial RuntimeConfig) (*RuntimeStore, error) {
	cfg := initial.Clone()
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeStore{cfg: cfg}, nil
}

// Snapshot returns a copy of the current runtime configuration.
func (s *RuntimeStore) Snapshot() RuntimeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// OnChange registers fn to receive every accepted configuration.
func (s *RuntimeStore) OnChange(fn func(RuntimeConfig)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Replace swaps the configuration after validation.
func (s *RuntimeStore) Replace(cfg RuntimeConfig) (RuntimeConfig, error) {
	updated := cfg.Clone()
	updated.Normalise()
	if err := updated.Validate(); err != nil {
		return RuntimeConfig{}, err
	}

	s.mu.Lock()
	s.cfg = updated
	listeners := append([]func(RuntimeConfig){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(updated.Clone())
	}
	return updated.Clone(), nil
}

// Merge overlays a partial JSON document onto the current configuration.
// Fields absent from patch keep their current values.
func (s *RuntimeStore) Merge(patch []byte) (RuntimeConfig, error) {
	current := s.Snapshot()
	if err := json.Unmarshal(patch, &current); err != nil {
		return RuntimeConfig{}, fmt.Errorf("decode settings: %w", err)
	}
	return s.Replace(current)
}
