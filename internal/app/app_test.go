package app

import (
	"bufio"
	"context"
	"io"
	"log"
	"net"
	"strconv"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickrelay/internal/config"
	"github.com/coachpo/tickrelay/internal/driver"
	"github.com/coachpo/tickrelay/internal/schema"
)

type wireLine struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

func testConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Bridge.Addr = "127.0.0.1:0"
	cfg.Delivery.Addr = "127.0.0.1:0"
	cfg.Delivery.RetryInterval = config.Duration(10 * time.Millisecond)
	cfg.Preload.RequiredTimeframes = []int{60}
	cfg.Coordinator.SendRate = 1000
	cfg.Health.CheckInterval = config.Duration(time.Hour)
	cfg.Health.DeepCleanInterval = 0
	cfg.Health.StatusInterval = 0
	return cfg
}

func readWire(t *testing.T, conn net.Conn, r *bufio.Reader) wireLine {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var w wireLine
	require.NoError(t, json.Unmarshal(line, &w))
	return w
}

func TestRelayEndToEnd(t *testing.T) {
	a, err := New(context.Background(), testConfig(), WithLogger(log.New(io.Discard, "", 0)))
	require.NoError(t, err)
	require.NoError(t, a.Listen())
	require.NotNil(t, a.BridgeAddr())

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	conn, err := net.Dial("tcp", a.DeliveryAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	require.NoError(t, a.Publish(driver.Frame{Data: []byte(`{"period":60,"asset":"EURUSD_otc","history":[[1751301600,1.0875]],"candles":[[1751301600,1.0875,1.0880,1.0890,1.0870,12]]}`)}))
	w := readWire(t, conn, r)
	require.Equal(t, string(schema.TypeHistoricalCandles), w.Type)

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	require.NoError(t, a.Publish(driver.Frame{Data: []byte("\x04[[\"EURUSD_otc\"," + now + ",1.0876]]"), Binary: true}))
	w = readWire(t, conn, r)
	require.Equal(t, string(schema.TypePip), w.Type)
	var pip schema.PipPayload
	require.NoError(t, json.Unmarshal(w.Payload, &pip))
	require.Equal(t, "EURUSD_otc", pip.Asset)
	require.Equal(t, uint64(1), pip.Sequence)

	_, err = conn.Write([]byte(`{"id":"s1","action":"get_status"}` + "\n"))
	require.NoError(t, err)
	w = readWire(t, conn, r)
	require.Equal(t, string(schema.TypeStatusReport), w.Event)
	var report schema.StatusReportPayload
	require.NoError(t, json.Unmarshal(w.Data, &report))
	require.Equal(t, "get_status", report.Reason)
	require.NotEmpty(t, report.Session)
	for _, section := range []string{SectionCoordinator, SectionDelivery, SectionDecoder, SectionPreload, SectionPipeline, SectionIngress} {
		require.Contains(t, report.Components, section)
	}

	_, err = conn.Write([]byte(`{"action":"emergency_stop"}` + "\n"))
	require.NoError(t, err)
	w = readWire(t, conn, r)
	require.Equal(t, string(schema.TypeShutdown), w.Event)
	var shutdown schema.ShutdownPayload
	require.NoError(t, json.Unmarshal(w.Data, &shutdown))
	require.Equal(t, "emergency_stop", shutdown.Reason)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("relay did not stop")
	}
	<-a.Stopped()
}

func TestRunStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(), WithLogger(log.New(io.Discard, "", 0)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, func() bool { return a.DeliveryAddr() != nil }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Coordinator.SendRate = 0
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

type sliceSink struct{ msgs []schema.Outbound }

func (s *sliceSink) Enqueue(msg schema.Outbound) bool {
	s.msgs = append(s.msgs, msg)
	return true
}

func TestStatusReporterSections(t *testing.T) {
	start := time.UnixMilli(1751301600000)
	now := start
	out := &sliceSink{}
	s := newStatusReporter(out, func() time.Time { return now })
	s.register(SectionBridge, func() any { return "bridge" })
	s.register(SectionDecoder, func() any { return "decoder" })

	now = start.Add(90 * time.Second)
	all := s.Build("periodic")
	require.Equal(t, map[string]any{SectionBridge: "bridge", SectionDecoder: "decoder"}, all.Components)
	require.Equal(t, 90.0, all.UptimeSeconds)
	require.Equal(t, now.UnixMilli(), all.Timestamp)

	require.True(t, s.Report("websocket_status", SectionBridge, "unknown"))
	require.Len(t, out.msgs, 1)
	report := out.msgs[0].Payload.(schema.StatusReportPayload)
	require.Equal(t, map[string]any{SectionBridge: "bridge"}, report.Components)
	require.Equal(t, s.session, report.Session)
}
