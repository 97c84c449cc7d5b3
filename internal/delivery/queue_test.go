package delivery

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/tickrelay/internal/config"
	"github.com/coachpo/tickrelay/internal/schema"
)

func testDeliveryConfig() config.DeliveryConfig {
	cfg := config.Default().Delivery
	cfg.RetryInterval = config.Duration(10 * time.Millisecond)
	cfg.WriteTimeout = config.Duration(time.Second)
	cfg.InitialCapacity = 4
	return cfg
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue(testDeliveryConfig())
	require.NoError(t, err)
	return q
}

func pip(asset string, price float64) schema.Outbound {
	return schema.NewOutbound(schema.PipPayload{Asset: asset, Price: price, Timestamp: 1751301600000})
}

type wireLine struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

func readLine(t *testing.T, r *bufio.Reader) wireLine {
	t.Helper()
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var w wireLine
	require.NoError(t, json.Unmarshal(line, &w))
	return w
}

func readPip(t *testing.T, r *bufio.Reader) schema.PipPayload {
	t.Helper()
	w := readLine(t, r)
	require.Equal(t, "pip", w.Type)
	var p schema.PipPayload
	require.NoError(t, json.Unmarshal(w.Payload, &p))
	return p
}

func TestSequencesSurviveReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.True(t, q.Enqueue(pip("EURUSD_otc", 1.08+float64(i)/100)))
	}
	require.True(t, q.Enqueue(pip("GBPUSD_otc", 1.27)))

	client1, server1 := net.Pipe()
	q.Install(server1)
	r1 := bufio.NewReader(client1)
	for want := uint64(1); want <= 3; want++ {
		p := readPip(t, r1)
		require.Equal(t, "EURUSD_otc", p.Asset)
		require.Equal(t, want, p.Sequence)
	}
	require.Equal(t, uint64(1), readPip(t, r1).Sequence, "sequences are per asset")

	require.NoError(t, client1.Close())
	require.True(t, q.Enqueue(pip("EURUSD_otc", 1.09)))
	require.Eventually(t, func() bool { return !q.Connected() }, time.Second, 5*time.Millisecond)

	client2, server2 := net.Pipe()
	q.Install(server2)
	r2 := bufio.NewReader(client2)
	require.Equal(t, uint64(4), readPip(t, r2).Sequence, "retried message keeps its sequence")

	require.True(t, q.Enqueue(pip("EURUSD_otc", 1.1)))
	require.Equal(t, uint64(5), readPip(t, r2).Sequence)

	stats := q.Stats()
	require.Equal(t, uint64(6), stats.Sent)
	require.GreaterOrEqual(t, stats.Retries, uint64(1))
	require.Equal(t, uint64(5), stats.Sequences["EURUSD_otc"])
	require.Equal(t, uint64(2), stats.Connections)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	_ = client2.Close()
}

func TestEnvelopeSelection(t *testing.T) {
	q := newTestQueue(t)

	frame, err := q.encode(schema.NewOutbound(schema.CandleDataPayload{Asset: "A", Open: 1, Close: 2, Decision: schema.DecisionUp}))
	require.NoError(t, err)
	require.Equal(t, byte('\n'), frame[len(frame)-1])
	var w wireLine
	require.NoError(t, json.Unmarshal(frame, &w))
	require.Equal(t, "candleData", w.Event)
	require.Empty(t, w.Type)
	require.Contains(t, string(w.Data), `"decision":"up"`)

	frame, err = q.encode(schema.NewOutbound(schema.HistoricalCandlesPayload{
		Asset:     "A",
		Timeframe: 60,
		Candles:   []schema.Candle{{OpenTime: 1751301600, Open: 1.0875, High: 1.089, Low: 1.087, Close: 1.088, Volume: 12}},
	}))
	require.NoError(t, err)
	w = wireLine{}
	require.NoError(t, json.Unmarshal(frame, &w))
	require.Equal(t, "historical-candles", w.Type)
	require.JSONEq(t, `{"asset":"A","timeframe":60,"candles":[{"time":1751301600,"open":1.0875,"high":1.089,"low":1.087,"close":1.088,"volume":12}]}`, string(w.Payload))

	frame, err = q.encode(schema.NewOutbound(schema.ShutdownPayload{Timestamp: 5, Reason: "stop"}))
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"shutdown","data":{"timestamp":5,"reason":"stop"}}`, string(frame))
}

func TestEnqueueDropsWhenFullOrClosed(t *testing.T) {
	cfg := testDeliveryConfig()
	cfg.MaxPending = 2
	q, err := NewQueue(cfg)
	require.NoError(t, err)

	require.True(t, q.Enqueue(pip("A", 1)))
	require.True(t, q.Enqueue(pip("A", 1)))
	require.False(t, q.Enqueue(pip("A", 1)))
	require.False(t, q.Enqueue(schema.Outbound{}))

	q.Close()
	require.False(t, q.Enqueue(pip("A", 1)))

	stats := q.Stats()
	require.Equal(t, uint64(2), stats.Enqueued)
	require.Equal(t, uint64(2), stats.Dropped)
	require.Equal(t, 2, stats.Pending)
}

func TestInstallReplacesPreviousHandle(t *testing.T) {
	q := newTestQueue(t)

	client1, server1 := net.Pipe()
	first := q.Install(server1)
	client2, server2 := net.Pipe()
	second := q.Install(server2)
	defer client2.Close()

	_, err := client1.Read(make([]byte, 1))
	require.Error(t, err, "replaced handle is closed")

	q.Detach(first)
	require.True(t, q.Connected(), "detaching a stale handle keeps the current one")
	q.Detach(second)
	require.False(t, q.Connected())
}

func TestCloseDrainsThenStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := newTestQueue(t)
	client, server := net.Pipe()
	q.Install(server)
	require.True(t, q.Enqueue(pip("A", 1)))
	require.True(t, q.Enqueue(schema.NewOutbound(schema.ShutdownPayload{Reason: "stop"})))
	q.Close()

	done := make(chan error, 1)
	go func() { done <- q.Run(context.Background()) }()

	r := bufio.NewReader(client)
	require.Equal(t, uint64(1), readPip(t, r).Sequence)
	require.Equal(t, "shutdown", readLine(t, r).Event)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Flush(ctx))
	require.NoError(t, <-done)
	_ = client.Close()
}

func TestAcceptorInstallsConnections(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := newTestQueue(t)
	handled := make(chan *Handle, 1)
	acc, err := NewAcceptor("tcp", "127.0.0.1:0", q, WithConnHandler(func(ctx context.Context, h *Handle) {
		handled <- h
		<-ctx.Done()
	}))
	require.NoError(t, err)
	require.NoError(t, acc.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- acc.Serve(ctx) }()
	runDone := make(chan error, 1)
	go func() { runDone <- q.Run(ctx) }()

	conn, err := net.Dial("tcp", acc.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case h := <-handled:
		require.Equal(t, uint64(1), h.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("connection not handed to the read-side handler")
	}

	require.True(t, q.Enqueue(pip("AUDCAD_otc", 1.3321)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	p := readPip(t, bufio.NewReader(conn))
	require.Equal(t, "AUDCAD_otc", p.Asset)
	require.Equal(t, uint64(1), p.Sequence)

	cancel()
	require.ErrorIs(t, <-serveDone, context.Canceled)
	require.ErrorIs(t, <-runDone, context.Canceled)
}

func TestAcceptorRemovesStaleUnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "relay")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "relay.sock")

	stale, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	stale.SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())
	_, err = os.Stat(path)
	require.NoError(t, err, "stale socket file left behind")

	acc, err := NewAcceptor("unix", path, newTestQueue(t))
	require.NoError(t, err)
	require.NoError(t, acc.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- acc.Serve(ctx) }()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	_ = conn.Close()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
