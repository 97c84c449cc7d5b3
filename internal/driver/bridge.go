package driver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/internal/config"
)

// FrameSink receives every frame the sidecar captures.
type FrameSink func(Frame)

// BridgeStats is a snapshot of bridge counters.
type BridgeStats struct {
	Attached    bool   `json:"attached"`
	Sessions    uint64 `json:"sessions"`
	Frames      uint64 `json:"frames"`
	Calls       uint64 `json:"calls"`
	Failures    uint64 `json:"failures"`
	LastFrameAt int64  `json:"lastFrameAt"`
}

type inbound struct {
	Kind   string          `json:"kind"`
	Binary bool            `json:"binary,omitempty"`
	Data   string          `json:"data,omitempty"`
	ID     string          `json:"id,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type callMessage struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type session struct {
	id      uint64
	conn    *websocket.Conn
	mu      sync.Mutex
	pending map[string]chan inbound
	closed  bool
}

func (s *session) register(id string) (chan inbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	ch := make(chan inbound, 1)
	s.pending[id] = ch
	return ch, true
}

func (s *session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) resolve(reply inbound) bool {
	s.mu.Lock()
	ch, ok := s.pending[reply.ID]
	delete(s.pending, reply.ID)
	s.mu.Unlock()
	if ok {
		ch <- reply
	}
	return ok
}

func (s *session) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// Bridge is the websocket endpoint a page-side sidecar dials into. It forwards
// captured frames to a sink and implements Page and Diagnostics as calls the
// sidecar answers. One sidecar is attached at a time; a newer one replaces it.
type Bridge struct {
	sink        FrameSink
	callTimeout time.Duration
	readLimit   int64
	logger      *log.Logger
	metrics     *bridgeMetrics

	mu      sync.Mutex
	current *session

	sessions    atomic.Uint64
	frames      atomic.Uint64
	calls       atomic.Uint64
	failures    atomic.Uint64
	lastFrameAt atomic.Int64
}

// BridgeOption customises a Bridge.
type BridgeOption func(*Bridge)

// WithBridgeLogger overrides the bridge logger.
func WithBridgeLogger(logger *log.Logger) BridgeOption {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBridge constructs a bridge delivering frames to sink.
func NewBridge(cfg config.BridgeConfig, sink FrameSink, opts ...BridgeOption) (*Bridge, error) {
	if sink == nil {
		return nil, errs.New("driver/bridge", errs.CodeInvalid, errs.WithMessage("frame sink required"))
	}
	if cfg.CallTimeout <= 0 {
		return nil, errs.New("driver/bridge", errs.CodeInvalid, errs.WithMessage("call timeout must be > 0"))
	}
	b := &Bridge{
		sink:        sink,
		callTimeout: cfg.CallTimeout.Std(),
		readLimit:   cfg.ReadLimitBytes,
		logger:      log.Default(),
		metrics:     newBridgeMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// ServeHTTP upgrades the request and reads sidecar messages until it disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		b.logger.Printf("bridge: accept failed: %v", err)
		return
	}
	if b.readLimit > 0 {
		conn.SetReadLimit(b.readLimit)
	}
	s := b.attach(conn)
	defer b.detach(s)

	if err := b.readLoop(r.Context(), s); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Printf("bridge: session %d ended: %v", s.id, err)
	}
}

// Attached reports whether a sidecar is connected.
func (b *Bridge) Attached() bool {
	return b.session() != nil
}

// Close disconnects the attached sidecar, if any.
func (b *Bridge) Close() {
	b.mu.Lock()
	s := b.current
	b.current = nil
	b.mu.Unlock()
	if s != nil {
		s.fail()
		_ = s.conn.Close(websocket.StatusGoingAway, "shutdown")
	}
}

// Stats returns a snapshot of bridge counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Attached:    b.Attached(),
		Sessions:    b.sessions.Load(),
		Frames:      b.frames.Load(),
		Calls:       b.calls.Load(),
		Failures:    b.failures.Load(),
		LastFrameAt: b.lastFrameAt.Load(),
	}
}

// SendIntoPage asks the sidecar to inject message into the page socket.
func (b *Bridge) SendIntoPage(ctx context.Context, message string) (bool, error) {
	value, err := b.call(ctx, "send", map[string]string{"message": message})
	if err != nil {
		return false, err
	}
	if len(value) == 0 {
		return true, nil
	}
	var sent bool
	if err := json.Unmarshal(value, &sent); err != nil {
		return false, errs.New("driver/bridge", errs.CodeDecode, errs.WithMessage("send reply"), errs.WithCause(err))
	}
	return sent, nil
}

// HeapUsage reads the page script heap.
func (b *Bridge) HeapUsage(ctx context.Context) (HeapSample, error) {
	value, err := b.call(ctx, "heap", nil)
	if err != nil {
		return HeapSample{}, err
	}
	var sample HeapSample
	if err := json.Unmarshal(value, &sample); err != nil {
		return HeapSample{}, errs.New("driver/bridge", errs.CodeDecode, errs.WithMessage("heap reply"), errs.WithCause(err))
	}
	return sample, nil
}

// Reload reloads the venue page.
func (b *Bridge) Reload(ctx context.Context) error {
	_, err := b.call(ctx, "reload", nil)
	return err
}

// Arm installs script in the page.
func (b *Bridge) Arm(ctx context.Context, script Script) error {
	_, err := b.call(ctx, "arm", script)
	return err
}

// ClearNetworkCache clears the browser network cache.
func (b *Bridge) ClearNetworkCache(ctx context.Context) error {
	_, err := b.call(ctx, "clearCache", nil)
	return err
}

// CollectGarbage asks the page runtime to collect garbage.
func (b *Bridge) CollectGarbage(ctx context.Context) error {
	_, err := b.call(ctx, "gc", nil)
	return err
}

func (b *Bridge) session() *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Bridge) attach(conn *websocket.Conn) *session {
	s := &session{id: b.sessions.Add(1), conn: conn, pending: make(map[string]chan inbound)}
	b.mu.Lock()
	old := b.current
	b.current = s
	b.mu.Unlock()
	if old != nil {
		old.fail()
		_ = old.conn.Close(websocket.StatusPolicyViolation, "replaced")
	}
	b.metrics.recordSession("attached")
	b.logger.Printf("bridge: sidecar session %d attached", s.id)
	return s
}

func (b *Bridge) detach(s *session) {
	s.fail()
	b.mu.Lock()
	if b.current == s {
		b.current = nil
	}
	b.mu.Unlock()
	_ = s.conn.CloseNow()
	b.metrics.recordSession("detached")
	b.logger.Printf("bridge: sidecar session %d detached", s.id)
}

func (b *Bridge) readLoop(ctx context.Context, s *session) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Printf("bridge: malformed sidecar message: %v", err)
			continue
		}
		switch msg.Kind {
		case "frame":
			b.forward(msg)
		case "reply":
			if !s.resolve(msg) {
				b.logger.Printf("bridge: reply %s matches no pending call", msg.ID)
			}
		default:
			b.logger.Printf("bridge: unknown sidecar message kind %q", msg.Kind)
		}
	}
}

func (b *Bridge) forward(msg inbound) {
	payload := []byte(msg.Data)
	if msg.Binary {
		decoded, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			b.logger.Printf("bridge: binary frame is not base64: %v", err)
			return
		}
		payload = decoded
	}
	now := time.Now()
	b.frames.Add(1)
	b.lastFrameAt.Store(now.UnixMilli())
	b.metrics.recordFrame(msg.Binary)
	b.sink(Frame{Data: payload, Binary: msg.Binary, ReceivedAt: now})
}

func (b *Bridge) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	b.calls.Add(1)
	start := time.Now()
	value, err := b.roundTrip(ctx, method, params)
	if err != nil {
		b.failures.Add(1)
	}
	b.metrics.recordCall(method, err, time.Since(start))
	return value, err
}

func (b *Bridge) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s := b.session()
	if s == nil {
		return nil, errs.New("driver/bridge", errs.CodeUnavailable,
			errs.WithMessage("no sidecar attached"),
			errs.WithField("method", method),
			errs.WithRemediation("start the page sidecar and point it at the bridge address"))
	}
	id := uuid.NewString()
	reply, ok := s.register(id)
	if !ok {
		return nil, errs.New("driver/bridge", errs.CodeUnavailable, errs.WithMessage("sidecar detached"), errs.WithField("method", method))
	}
	defer s.forget(id)

	payload, err := json.Marshal(callMessage{Kind: "call", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, errs.New("driver/bridge", errs.CodeInvalid, errs.WithMessage("encode call"), errs.WithCause(err))
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	if err := s.conn.Write(callCtx, websocket.MessageText, payload); err != nil {
		return nil, errs.New("driver/bridge", errs.CodeNetwork, errs.WithMessage("write call"), errs.WithField("method", method), errs.WithCause(err))
	}

	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("bridge %s: %w", method, ctx.Err())
		}
		return nil, errs.New("driver/bridge", errs.CodeTimeout, errs.WithMessage("no reply"), errs.WithField("method", method))
	case rep, ok := <-reply:
		if !ok {
			return nil, errs.New("driver/bridge", errs.CodeUnavailable, errs.WithMessage("sidecar detached"), errs.WithField("method", method))
		}
		if !rep.OK {
			return nil, errs.New("driver/bridge", errs.CodeDriver, errs.WithMessage(rep.Error), errs.WithField("method", method))
		}
		return rep.Value, nil
	}
}
