// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names the deployment environment.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// IngressConfig sizes the bounded frame queue between the driver and the pipeline.
type IngressConfig struct {
	QueueSize int `yaml:"queueSize"`
}

// BridgeConfig configures the websocket endpoint the page-side sidecar dials into.
type BridgeConfig struct {
	Addr           string   `yaml:"addr"`
	Path           string   `yaml:"path"`
	CallTimeout    Duration `yaml:"callTimeout"`
	ReadLimitBytes int64    `yaml:"readLimitBytes"`
}

// DeliveryConfig configures the downstream listener and drain worker.
type DeliveryConfig struct {
	Network         string   `yaml:"network"`
	Addr            string   `yaml:"addr"`
	InitialCapacity int      `yaml:"initialCapacity"`
	MaxPending      int      `yaml:"maxPending"`
	RetryInterval   Duration `yaml:"retryInterval"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
}

// PreloadConfig lists the historical timeframes an asset needs before it goes realtime.
type PreloadConfig struct {
	RequiredTimeframes []int `yaml:"requiredTimeframes"`
	OnboardWorkers     int   `yaml:"onboardWorkers"`
	OnboardQueue       int   `yaml:"onboardQueue"`
}

// AggregatorConfig sets the candle bucket width.
type AggregatorConfig struct {
	Bucket Duration `yaml:"bucket"`
}

// CoordinatorConfig holds gate, watchdog and refresh timing plus the driver message templates.
// Templates may reference {asset} and {period}.
type CoordinatorConfig struct {
	Stabilization    Duration `yaml:"stabilization"`
	WatchdogInterval Duration `yaml:"watchdogInterval"`
	SilenceThreshold Duration `yaml:"silenceThreshold"`
	EscalateAfter    int      `yaml:"escalateAfter"`
	SendRate         float64  `yaml:"sendRate"`
	SendBurst        int      `yaml:"sendBurst"`
	RefreshWorkers   int      `yaml:"refreshWorkers"`
	EmergencyWorkers int      `yaml:"emergencyWorkers"`
	WarmupTemplates  []string `yaml:"warmupTemplates"`
	RefreshTemplates []string `yaml:"refreshTemplates"`
	SwitchTemplates  []string `yaml:"switchTemplates"`
	SwitchPeriod     int      `yaml:"switchPeriod"`
}

// HealthConfig holds the health monitor cadences. Thresholds live in RuntimeConfig.
type HealthConfig struct {
	CheckInterval     Duration `yaml:"checkInterval"`
	DeepCleanInterval Duration `yaml:"deepCleanInterval"`
	StatusInterval    Duration `yaml:"statusInterval"`
	RetryMaxElapsed   Duration `yaml:"retryMaxElapsed"`
}

// ScriptConfig names one page instrumentation script.
type ScriptConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// InstrumentConfig lists the scripts re-armed after every page reload.
type InstrumentConfig struct {
	Scripts []ScriptConfig `yaml:"scripts"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the root configuration document.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	Ingress     IngressConfig     `yaml:"ingress"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Preload     PreloadConfig     `yaml:"preload"`
	Aggregator  AggregatorConfig  `yaml:"aggregator"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Health      HealthConfig      `yaml:"health"`
	Instrument  InstrumentConfig  `yaml:"instrument"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Ingress:     IngressConfig{QueueSize: 4096},
		Bridge: BridgeConfig{
			Addr:           "127.0.0.1:8790",
			Path:           "/bridge",
			CallTimeout:    Duration(10 * time.Second),
			ReadLimitBytes: 4 << 20,
		},
		Delivery: DeliveryConfig{
			Network:         "tcp",
			Addr:            "127.0.0.1:8765",
			InitialCapacity: 1024,
			MaxPending:      0,
			RetryInterval:   Duration(500 * time.Millisecond),
			WriteTimeout:    Duration(5 * time.Second),
		},
		Preload: PreloadConfig{
			RequiredTimeframes: []int{60, 300, 600, 900, 1800},
			OnboardWorkers:     2,
			OnboardQueue:       64,
		},
		Aggregator: AggregatorConfig{Bucket: Duration(300 * time.Second)},
		Coordinator: CoordinatorConfig{
			Stabilization:    Duration(3 * time.Second),
			WatchdogInterval: Duration(2 * time.Second),
			SilenceThreshold: Duration(5 * time.Second),
			EscalateAfter:    3,
			SendRate:         4,
			SendBurst:        1,
			RefreshWorkers:   2,
			EmergencyWorkers: 2,
			WarmupTemplates: []string{
				`42["instruments/update",{"asset":"{asset}","period":{period}}]`,
			},
			RefreshTemplates: []string{
				`42["depth/unfollow","{asset}"]`,
				`42["depth/follow","{asset}"]`,
			},
			SwitchTemplates: []string{
				`42["instruments/update",{"asset":"{asset}","period":{period}}]`,
				`42["depth/follow","{asset}"]`,
			},
			SwitchPeriod: 60,
		},
		Health: HealthConfig{
			CheckInterval:     Duration(240 * time.Second),
			DeepCleanInterval: Duration(2 * time.Hour),
			StatusInterval:    Duration(60 * time.Second),
			RetryMaxElapsed:   Duration(2 * time.Minute),
		},
		Runtime: DefaultRuntimeConfig(),
		Telemetry: TelemetryConfig{
			ServiceName:   "tickrelay",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
	}
}

// Load reads, normalises and validates the configuration at path.
// Values absent from the file keep their defaults; ${VAR} references are expanded.
func Load(ctx context.Context, path string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(ctx context.Context, path string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		def := Default()
		if nerr := def.normalise(); nerr != nil {
			return AppConfig{}, false, nerr
		}
		return def, false, nil
	}
	return AppConfig{}, false, err
}

func (c *AppConfig) normalise() error {
	env := Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if env == "" {
		env = EnvDev
	}
	c.Environment = env

	c.Bridge.Addr = strings.TrimSpace(c.Bridge.Addr)
	c.Bridge.Path = strings.TrimSpace(c.Bridge.Path)
	if c.Bridge.Path == "" {
		c.Bridge.Path = "/bridge"
	}
	if !strings.HasPrefix(c.Bridge.Path, "/") {
		c.Bridge.Path = "/" + c.Bridge.Path
	}

	c.Delivery.Network = strings.ToLower(strings.TrimSpace(c.Delivery.Network))
	if c.Delivery.Network == "" {
		c.Delivery.Network = "tcp"
	}
	c.Delivery.Addr = strings.TrimSpace(c.Delivery.Addr)
	if c.Delivery.MaxPending < 0 {
		c.Delivery.MaxPending = 0
	}

	seen := make(map[int]struct{}, len(c.Preload.RequiredTimeframes))
	timeframes := c.Preload.RequiredTimeframes[:0]
	for _, tf := range c.Preload.RequiredTimeframes {
		if _, dup := seen[tf]; dup {
			continue
		}
		seen[tf] = struct{}{}
		timeframes = append(timeframes, tf)
	}
	c.Preload.RequiredTimeframes = timeframes

	if c.Coordinator.SendBurst <= 0 {
		c.Coordinator.SendBurst = 1
	}

	for i := range c.Instrument.Scripts {
		c.Instrument.Scripts[i].Name = strings.TrimSpace(c.Instrument.Scripts[i].Name)
		c.Instrument.Scripts[i].Path = strings.TrimSpace(c.Instrument.Scripts[i].Path)
		if c.Instrument.Scripts[i].Name == "" {
			c.Instrument.Scripts[i].Name = filepath.Base(c.Instrument.Scripts[i].Path)
		}
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	c.Runtime.Normalise()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.Ingress.QueueSize <= 0 {
		return fmt.Errorf("ingress.queueSize must be > 0")
	}
	if c.Bridge.Addr == "" {
		return fmt.Errorf("bridge.addr required")
	}
	if c.Bridge.CallTimeout <= 0 {
		return fmt.Errorf("bridge.callTimeout must be > 0")
	}
	switch c.Delivery.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("delivery.network must be tcp or unix")
	}
	if c.Delivery.Addr == "" {
		return fmt.Errorf("delivery.addr required")
	}
	if c.Delivery.RetryInterval <= 0 {
		return fmt.Errorf("delivery.retryInterval must be > 0")
	}
	if len(c.Preload.RequiredTimeframes) == 0 {
		return fmt.Errorf("preload.requiredTimeframes must not be empty")
	}
	for _, tf := range c.Preload.RequiredTimeframes {
		if tf <= 0 {
			return fmt.Errorf("preload.requiredTimeframes entries must be > 0")
		}
	}
	if c.Preload.OnboardWorkers <= 0 {
		return fmt.Errorf("preload.onboardWorkers must be > 0")
	}
	if c.Aggregator.Bucket < Duration(time.Second) {
		return fmt.Errorf("aggregator.bucket must be >= 1s")
	}
	if c.Coordinator.WatchdogInterval <= 0 || c.Coordinator.SilenceThreshold <= 0 {
		return fmt.Errorf("coordinator watchdog timings must be > 0")
	}
	if c.Coordinator.Stabilization < 0 {
		return fmt.Errorf("coordinator.stabilization must be >= 0")
	}
	if c.Coordinator.SendRate <= 0 {
		return fmt.Errorf("coordinator.sendRate must be > 0")
	}
	if c.Coordinator.RefreshWorkers <= 0 || c.Coordinator.EmergencyWorkers <= 0 {
		return fmt.Errorf("coordinator worker counts must be > 0")
	}
	if c.Health.CheckInterval <= 0 {
		return fmt.Errorf("health.checkInterval must be > 0")
	}
	for _, script := range c.Instrument.Scripts {
		if script.Path == "" {
			return fmt.Errorf("instrument.scripts entries require a path")
		}
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry.serviceName required")
	}
	if err := c.Runtime.Validate(); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
