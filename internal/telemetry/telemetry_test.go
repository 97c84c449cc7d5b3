package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestDisabledProviderIsNoop(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("TICKRELAY_ENV", "Staging")
	t.Setenv("OTEL_SERVICE_NAME", "")
	cfg := DefaultConfig()
	require.False(t, cfg.Enabled)
	require.Equal(t, "tickrelay", cfg.ServiceName)

	provider, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.False(t, provider.Enabled())
	require.NoError(t, provider.Shutdown(context.Background()))
	require.Equal(t, "staging", Environment())
}

func TestMetricsSwitchDisablesExport(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("OTEL_METRICS_ENABLED", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	cfg := DefaultConfig()
	require.False(t, cfg.Enabled)
	require.Equal(t, "collector:4318", stripScheme(cfg.Endpoint))
}

func TestAttributeHelpers(t *testing.T) {
	attrs := OperationResultAttributes("prod", "corrective", ResultBusy)
	require.Len(t, attrs, 3)
	require.Equal(t, "prod", attrs[0].Value.AsString())
	require.Equal(t, "corrective", attrs[1].Value.AsString())
	require.Equal(t, ResultBusy, attrs[2].Value.AsString())

	asset := AssetAttributes("dev", "EURUSD_otc")
	require.Equal(t, AttrAsset, asset[1].Key)
}
