// Package delivery buffers outbound messages and drains them, newline framed,
// to the single downstream connection with reconnect-tolerant retry.
package delivery

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/internal/config"
	"github.com/coachpo/tickrelay/internal/schema"
)

// Handle is one accepted downstream connection.
type Handle struct {
	id   uint64
	conn net.Conn
	once sync.Once
}

// ID returns the queue-assigned connection number.
func (h *Handle) ID() uint64 { return h.id }

// Conn exposes the connection for its read side.
func (h *Handle) Conn() net.Conn { return h.conn }

// Peer returns the remote address, or "" when unknown.
func (h *Handle) Peer() string {
	if addr := h.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (h *Handle) write(frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = h.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := h.conn.Write(frame)
	return err
}

func (h *Handle) close() {
	h.once.Do(func() { _ = h.conn.Close() })
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Pending     int               `json:"pending"`
	Capacity    int               `json:"capacity"`
	Enqueued    uint64            `json:"enqueued"`
	Sent        uint64            `json:"sent"`
	Dropped     uint64            `json:"dropped"`
	Retries     uint64            `json:"retries"`
	Connected   bool              `json:"connected"`
	Connections uint64            `json:"connections"`
	Sequences   map[string]uint64 `json:"sequences"`
}

// Queue is a multi-producer, single-drain delivery queue.
type Queue struct {
	buf           *buffer[schema.Outbound]
	current       atomic.Pointer[Handle]
	retryInterval time.Duration
	writeTimeout  time.Duration
	logger        *log.Logger
	metrics       *deliveryMetrics

	seqMu     sync.Mutex
	sequences map[string]uint64

	handles  atomic.Uint64
	enqueued atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64
	retries  atomic.Uint64

	// unencodable counts enqueued messages discarded by the drain worker.
	unencodable atomic.Uint64
}

// Option customises a Queue.
type Option func(*Queue)

// WithLogger overrides the queue logger.
func WithLogger(logger *log.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewQueue constructs a queue from delivery configuration.
func NewQueue(cfg config.DeliveryConfig, opts ...Option) (*Queue, error) {
	if cfg.RetryInterval <= 0 {
		return nil, errs.New("delivery", errs.CodeInvalid, errs.WithMessage("retry interval must be > 0"))
	}
	q := &Queue{
		buf:           newBuffer[schema.Outbound](cfg.InitialCapacity, cfg.MaxPending),
		retryInterval: cfg.RetryInterval.Std(),
		writeTimeout:  cfg.WriteTimeout.Std(),
		logger:        log.Default(),
		metrics:       newDeliveryMetrics(),
		sequences:     make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

// Enqueue hands msg to the queue without blocking. A full or closed queue
// counts a drop and returns false.
func (q *Queue) Enqueue(msg schema.Outbound) bool {
	if msg.Payload == nil {
		return false
	}
	if !q.buf.push(msg) {
		q.dropped.Add(1)
		q.metrics.recordDropped(msg.Type())
		return false
	}
	q.enqueued.Add(1)
	return true
}

// Install makes conn the current transport handle and closes the previous one.
func (q *Queue) Install(conn net.Conn) *Handle {
	h := &Handle{id: q.handles.Add(1), conn: conn}
	if old := q.current.Swap(h); old != nil {
		old.close()
		q.metrics.recordConnection(old.Peer(), "replaced")
	}
	q.metrics.recordConnection(h.Peer(), "installed")
	q.logger.Printf("delivery: connection %d installed from %s", h.id, h.Peer())
	return h
}

// Detach closes h and clears it when it is still the current handle.
func (q *Queue) Detach(h *Handle) {
	if h == nil {
		return
	}
	if q.current.CompareAndSwap(h, nil) {
		q.metrics.recordConnection(h.Peer(), "detached")
		q.logger.Printf("delivery: connection %d detached", h.id)
	}
	h.close()
}

// Connected reports whether a transport handle is installed.
func (q *Queue) Connected() bool { return q.current.Load() != nil }

// Close stops intake. Run drains what is already queued and then returns.
func (q *Queue) Close() { q.buf.close() }

// Run drains the queue until ctx is cancelled or the queue is closed and empty.
func (q *Queue) Run(ctx context.Context) error {
	defer func() {
		if h := q.current.Swap(nil); h != nil {
			h.close()
		}
	}()
	for {
		msg, ok := q.buf.pop(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			return nil
		}
		frame, err := q.encode(msg)
		if err != nil {
			q.dropped.Add(1)
			q.unencodable.Add(1)
			q.metrics.recordDropped(msg.Type())
			q.logger.Printf("delivery: encode %s: %v", msg.Type(), err)
			continue
		}
		if err := q.deliver(ctx, frame, msg.Type()); err != nil {
			return err
		}
	}
}

// Flush waits until every accepted message has been written or discarded.
func (q *Queue) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for q.enqueued.Load() > q.sent.Load()+q.unencodable.Load() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.seqMu.Lock()
	sequences := make(map[string]uint64, len(q.sequences))
	for asset, seq := range q.sequences {
		sequences[asset] = seq
	}
	q.seqMu.Unlock()
	return Stats{
		Pending:     q.buf.len(),
		Capacity:    q.buf.capacity(),
		Enqueued:    q.enqueued.Load(),
		Sent:        q.sent.Load(),
		Dropped:     q.dropped.Load(),
		Retries:     q.retries.Load(),
		Connected:   q.Connected(),
		Connections: q.handles.Load(),
		Sequences:   sequences,
	}
}

// deliver writes frame to the current handle, waiting for a replacement
// handle after every failure. It only gives up when ctx is done.
func (q *Queue) deliver(ctx context.Context, frame []byte, tag schema.MessageType) error {
	poll := backoff.NewConstantBackOff(q.retryInterval)
	for {
		if h := q.current.Load(); h != nil {
			start := time.Now()
			err := h.write(frame, q.writeTimeout)
			if err == nil {
				q.sent.Add(1)
				q.metrics.recordSent(tag, time.Since(start))
				return nil
			}
			q.retries.Add(1)
			q.metrics.recordRetry(tag)
			if q.current.CompareAndSwap(h, nil) {
				q.metrics.recordConnection(h.Peer(), "failed")
				q.logger.Printf("delivery: write to connection %d failed, awaiting reconnect: %v", h.id, err)
			}
			h.close()
		}
		timer := time.NewTimer(poll.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type typeEnvelope struct {
	Type    schema.MessageType `json:"type"`
	Payload schema.Payload     `json:"payload"`
}

type eventEnvelope struct {
	Event schema.MessageType `json:"event"`
	Data  schema.Payload     `json:"data"`
}

// encode assigns the pip sequence and serialises msg as one newline-terminated
// line. It runs exactly once per message so retries keep the sequence.
func (q *Queue) encode(msg schema.Outbound) ([]byte, error) {
	payload := msg.Payload
	if pip, ok := payload.(schema.PipPayload); ok {
		q.seqMu.Lock()
		q.sequences[pip.Asset]++
		pip.Sequence = q.sequences[pip.Asset]
		q.seqMu.Unlock()
		payload = pip
	}

	var envelope any
	if tag := payload.MessageType(); tag.EventEnvelope() {
		envelope = eventEnvelope{Event: tag, Data: payload}
	} else {
		envelope = typeEnvelope{Type: tag, Payload: payload}
	}
	frame, err := json.Marshal(envelope)
	if err != nil {
		return nil, errs.New("delivery", errs.CodeInvalid, errs.WithMessage("serialise outbound"), errs.WithCause(err))
	}
	return append(frame, '\n'), nil
}
