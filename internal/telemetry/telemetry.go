package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	serviceName     = "tickrelay"
	exportInterval  = 30 * time.Second
	defaultEndpoint = "localhost:4318"
)

var environment string

// Config controls OTLP metric export.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	Interval    time.Duration
	ServiceName string
	Environment string
}

// DefaultConfig reads OTEL_ENABLED, OTEL_METRICS_ENABLED,
// OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_INSECURE and
// OTEL_SERVICE_NAME. Either switch set to "false" disables export.
func DefaultConfig() Config {
	return Config{
		Enabled:     os.Getenv("OTEL_ENABLED") != "false" && os.Getenv("OTEL_METRICS_ENABLED") != "false",
		Endpoint:    envOr("OTEL_EXPORTER_OTLP_ENDPOINT", defaultEndpoint),
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Interval:    exportInterval,
		ServiceName: envOr("OTEL_SERVICE_NAME", serviceName),
		Environment: envOr("TICKRELAY_ENV", "development"),
	}
}

// Provider owns the meter provider installed by NewProvider.
type Provider struct {
	meters *sdkmetric.MeterProvider
}

// NewProvider records the metric environment label and, when enabled,
// installs an OTLP HTTP meter provider as the global provider.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			attribute.String("environment", Environment()),
		),
		resource.WithHost(),
		resource.WithProcessRuntimeName(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.Endpoint))}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = exportInterval
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(
			bucketView("relay.delivery.write.duration", 0.05, 0.1, 0.5, 1, 2, 5, 10, 25, 50, 100),
			bucketView("relay.driver.call.duration", 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000),
		),
	)
	otel.SetMeterProvider(mp)
	return &Provider{meters: mp}, nil
}

// Enabled reports whether metrics are being exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.meters != nil
}

// Shutdown flushes pending metrics and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.meters.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}

// Environment returns the environment label attached to every metric.
func Environment() string {
	if environment == "" {
		return "development"
	}
	return environment
}

func bucketView(name string, bounds ...float64) sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
	)
}

// stripScheme turns an endpoint URL into the host:port the HTTP exporter expects.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
