// Package control reads downstream commands, carries them over an in-memory
// bus and executes them against the relay's components.
package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/internal/schema"
)

// Message pairs a command with the channel its acknowledgement goes to.
type Message struct {
	Command schema.Command
	Reply   chan<- schema.Ack
}

// Bus distributes commands to a consumer and returns its acknowledgement.
type Bus interface {
	Send(ctx context.Context, cmd schema.Command) (schema.Ack, error)
	Consume(ctx context.Context) (<-chan Message, error)
	Close()
}

// MemoryBus is a Bus backed by bounded channels. Send fails fast when the
// consumer queue is full.
type MemoryBus struct {
	bufferSize int

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	consumers []*consumer
	once      sync.Once
}

type consumer struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan Message
	once   sync.Once
	// mu guards ch against a send racing close.
	mu sync.RWMutex
}

// NewMemoryBus constructs a bus whose consumers buffer up to bufferSize commands.
func NewMemoryBus(bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{bufferSize: bufferSize, ctx: ctx, cancel: cancel}
}

// Send hands cmd to the first live consumer and waits for the acknowledgement.
func (b *MemoryBus) Send(ctx context.Context, cmd schema.Command) (schema.Ack, error) {
	if cmd.Action == "" {
		return schema.Ack{}, errs.New("control/bus", errs.CodeInvalid, errs.WithMessage("command action required"))
	}
	reply := make(chan schema.Ack, 1)
	msg := Message{Command: cmd, Reply: reply}

	b.mu.RLock()
	consumers := append([]*consumer(nil), b.consumers...)
	b.mu.RUnlock()
	for _, con := range consumers {
		if con.ctx.Err() != nil {
			continue
		}
		if err := b.enqueue(ctx, con, msg); err != nil {
			return schema.Ack{}, err
		}
		return b.awaitAck(ctx, reply)
	}
	return schema.Ack{}, errs.New("control/bus", errs.CodeUnavailable, errs.WithMessage("no active consumers"))
}

func (b *MemoryBus) awaitAck(ctx context.Context, reply <-chan schema.Ack) (schema.Ack, error) {
	select {
	case <-ctx.Done():
		return schema.Ack{}, fmt.Errorf("await acknowledgement: %w", ctx.Err())
	case <-b.ctx.Done():
		return schema.Ack{}, errs.New("control/bus", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	case ack := <-reply:
		return ack, nil
	}
}

// Consume registers a consumer that lives until ctx is done or the bus closes.
func (b *MemoryBus) Consume(ctx context.Context) (<-chan Message, error) {
	if b.ctx.Err() != nil {
		return nil, errs.New("control/bus", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	cctx, cancel := context.WithCancel(ctx)
	con := &consumer{ctx: cctx, cancel: cancel, ch: make(chan Message, b.bufferSize)}

	b.mu.Lock()
	b.consumers = append(b.consumers, con)
	b.mu.Unlock()

	go b.observe(con)
	return con.ch, nil
}

// Close shuts the bus and every consumer channel.
func (b *MemoryBus) Close() {
	b.once.Do(func() {
		b.cancel()
		b.mu.Lock()
		for _, con := range b.consumers {
			con.close()
		}
		b.consumers = nil
		b.mu.Unlock()
	})
}

// observe drops con once its context ends.
func (b *MemoryBus) observe(con *consumer) {
	select {
	case <-con.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	for i, candidate := range b.consumers {
		if candidate == con {
			b.consumers = append(b.consumers[:i], b.consumers[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	con.close()
}

func (b *MemoryBus) enqueue(ctx context.Context, con *consumer, msg Message) error {
	con.mu.RLock()
	defer con.mu.RUnlock()
	if con.ctx.Err() != nil {
		return errs.New("control/bus", errs.CodeUnavailable, errs.WithMessage("consumer closed"))
	}
	select {
	case <-b.ctx.Done():
		return errs.New("control/bus", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("enqueue command: %w", ctx.Err())
	case con.ch <- msg:
		return nil
	default:
		return errs.New("control/bus", errs.CodeBusy, errs.WithMessage("consumer queue full"))
	}
}

func (c *consumer) close() {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		close(c.ch)
		c.mu.Unlock()
	})
}
