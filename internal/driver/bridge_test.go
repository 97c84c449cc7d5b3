package driver

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/internal/config"
)

func newTestBridge(t *testing.T, timeout time.Duration) (*Bridge, *httptest.Server, chan Frame) {
	t.Helper()
	frames := make(chan Frame, 8)
	cfg := config.Default().Bridge
	cfg.CallTimeout = config.Duration(timeout)
	b, err := NewBridge(cfg, func(f Frame) { frames <- f })
	require.NoError(t, err)
	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b, srv, frames
}

func dialSidecar(t *testing.T, b *Bridge, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	before := b.Stats().Sessions
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	require.Eventually(t, func() bool { return b.Stats().Sessions > before && b.Attached() }, 2*time.Second, 5*time.Millisecond)
	return conn
}

// answer replies to every call with fn's verdict until the connection closes.
func answer(conn *websocket.Conn, fn func(callMessage) inbound) {
	go func() {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var c callMessage
			if json.Unmarshal(data, &c) != nil {
				continue
			}
			reply := fn(c)
			reply.Kind = "reply"
			reply.ID = c.ID
			out, _ := json.Marshal(reply)
			if conn.Write(context.Background(), websocket.MessageText, out) != nil {
				return
			}
		}
	}()
}

func TestBridgeForwardsFrames(t *testing.T) {
	b, srv, frames := newTestBridge(t, time.Second)
	conn := dialSidecar(t, b, srv)
	ctx := context.Background()

	text, _ := json.Marshal(inbound{Kind: "frame", Data: `42["updateStream",[["EURUSD_otc",1751301600123,1.0875]]]`})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, text))
	raw := []byte{0x04, '[', ']'}
	binary, _ := json.Marshal(inbound{Kind: "frame", Binary: true, Data: base64.StdEncoding.EncodeToString(raw)})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, binary))

	got := <-frames
	require.False(t, got.Binary)
	require.True(t, strings.HasPrefix(string(got.Data), `42["updateStream"`))
	require.False(t, got.ReceivedAt.IsZero())

	got = <-frames
	require.True(t, got.Binary)
	require.Equal(t, raw, got.Data)
	require.Equal(t, uint64(2), b.Stats().Frames)
}

func TestBridgeCallsRoundTrip(t *testing.T) {
	b, srv, _ := newTestBridge(t, time.Second)
	conn := dialSidecar(t, b, srv)
	answer(conn, func(c callMessage) inbound {
		switch c.Method {
		case "send":
			return inbound{OK: true, Value: json.RawMessage(`true`)}
		case "heap":
			return inbound{OK: true, Value: json.RawMessage(`{"usedBytes":2097152,"totalBytes":4194304}`)}
		case "arm":
			return inbound{OK: true}
		default:
			return inbound{OK: false, Error: "page not loaded"}
		}
	})
	ctx := context.Background()

	sent, err := b.SendIntoPage(ctx, `42["depth/follow","EURUSD_otc"]`)
	require.NoError(t, err)
	require.True(t, sent)

	heap, err := b.HeapUsage(ctx)
	require.NoError(t, err)
	require.InDelta(t, 2.0, heap.UsedMB(), 1e-9)

	require.NoError(t, b.Arm(ctx, Script{Name: "capture", Source: "1"}))

	err = b.Reload(ctx)
	require.True(t, errs.Is(err, errs.CodeDriver))
	require.Contains(t, err.Error(), "page not loaded")

	stats := b.Stats()
	require.Equal(t, uint64(4), stats.Calls)
	require.Equal(t, uint64(1), stats.Failures)
}

func TestBridgeWithoutSidecar(t *testing.T) {
	b, _, _ := newTestBridge(t, time.Second)
	sent, err := b.SendIntoPage(context.Background(), "x")
	require.False(t, sent)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.True(t, errs.Is(b.CollectGarbage(context.Background()), errs.CodeUnavailable))
}

func TestBridgeCallTimeout(t *testing.T) {
	b, srv, _ := newTestBridge(t, 50*time.Millisecond)
	conn := dialSidecar(t, b, srv)
	go func() {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	err := b.ClearNetworkCache(context.Background())
	require.True(t, errs.Is(err, errs.CodeTimeout))
}

func TestBridgeDetachFailsPendingCalls(t *testing.T) {
	b, srv, _ := newTestBridge(t, 5*time.Second)
	conn := dialSidecar(t, b, srv)
	go func() {
		_, _, _ = conn.Read(context.Background())
		_ = conn.CloseNow()
	}()

	start := time.Now()
	err := b.Reload(context.Background())
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.Less(t, time.Since(start), 4*time.Second)
	require.Eventually(t, func() bool { return !b.Attached() }, time.Second, 5*time.Millisecond)
}

func TestBridgeReplacesSidecar(t *testing.T) {
	b, srv, _ := newTestBridge(t, time.Second)
	first := dialSidecar(t, b, srv)
	second := dialSidecar(t, b, srv)
	answer(second, func(callMessage) inbound { return inbound{OK: true} })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	require.NoError(t, b.CollectGarbage(context.Background()))
	require.Equal(t, uint64(2), b.Stats().Sessions)
	require.True(t, b.Attached())
}

func TestNewBridgeValidation(t *testing.T) {
	_, err := NewBridge(config.Default().Bridge, nil)
	require.Error(t, err)

	cfg := config.Default().Bridge
	cfg.CallTimeout = 0
	_, err = NewBridge(cfg, func(Frame) {})
	require.Error(t, err)
}
