// Command relay launches the tick relay: it accepts the page-side bridge,
// decodes and aggregates venue frames and streams them to the downstream
// consumer until a shutdown signal or an emergency_stop command.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coachpo/tickrelay/internal/app"
	"github.com/coachpo/tickrelay/internal/config"
	"github.com/coachpo/tickrelay/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	relayLoggerPrefix        = "relay "
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newRelayLogger()

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, timeframes=%v, delivery=%s %s",
		appCfg.Environment, appCfg.Preload.RequiredTimeframes, appCfg.Delivery.Network, appCfg.Delivery.Addr)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	relay, err := app.New(ctx, appCfg, app.WithLogger(logger))
	if err != nil {
		logger.Fatalf("initialise relay: %v", err)
	}
	if err := relay.Listen(); err != nil {
		logger.Fatalf("bind sockets: %v", err)
	}

	start := time.Now()
	if err := relay.Run(ctx); err != nil {
		logger.Printf("relay stopped with error: %v", err)
	}
	logger.Printf("relay stopped after %v", time.Since(start).Round(time.Second))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer shutdownCancel()
	if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: telemetry failed: %v", err)
	}
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to relay configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRelayLogger() *log.Logger {
	return log.New(os.Stdout, relayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.Endpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.Insecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = telemetryCfg.Enabled && cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.Endpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
