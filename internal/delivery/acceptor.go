package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/tickrelay/errs"
)

// ConnHandler consumes the read side of an accepted connection. It returns
// when the connection closes or ctx is done.
type ConnHandler func(ctx context.Context, h *Handle)

// Acceptor listens for the downstream consumer and installs every accepted
// connection as the queue's current handle.
type Acceptor struct {
	network string
	addr    string
	queue   *Queue
	onConn  ConnHandler
	logger  *log.Logger

	mu       sync.Mutex
	listener net.Listener
}

// AcceptorOption customises an Acceptor.
type AcceptorOption func(*Acceptor)

// WithConnHandler sets the consumer for each connection's read side.
func WithConnHandler(fn ConnHandler) AcceptorOption {
	return func(a *Acceptor) {
		a.onConn = fn
	}
}

// WithAcceptorLogger overrides the acceptor logger.
func WithAcceptorLogger(logger *log.Logger) AcceptorOption {
	return func(a *Acceptor) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAcceptor constructs an acceptor for network ("tcp" or "unix") and addr.
func NewAcceptor(network, addr string, queue *Queue, opts ...AcceptorOption) (*Acceptor, error) {
	if queue == nil {
		return nil, errs.New("delivery/acceptor", errs.CodeInvalid, errs.WithMessage("queue required"))
	}
	a := &Acceptor{network: network, addr: addr, queue: queue, logger: log.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Listen binds the listening socket. A stale unix socket file is removed first.
func (a *Acceptor) Listen() error {
	if a.network == "unix" {
		if info, err := os.Stat(a.addr); err == nil && info.Mode()&os.ModeSocket != 0 {
			if rmErr := os.Remove(a.addr); rmErr != nil {
				return fmt.Errorf("remove stale socket %s: %w", a.addr, rmErr)
			}
		}
	}
	ln, err := net.Listen(a.network, a.addr)
	if err != nil {
		return errs.New("delivery/acceptor", errs.CodeNetwork,
			errs.WithMessage("listen failed"),
			errs.WithField("addr", a.addr),
			errs.WithCause(err))
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()
	a.logger.Printf("delivery: listening on %s %s", a.network, ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Serve accepts connections until ctx is cancelled. It calls Listen when the
// acceptor is not yet bound.
func (a *Acceptor) Serve(ctx context.Context) error {
	if a.Addr() == nil {
		if err := a.Listen(); err != nil {
			return err
		}
	}
	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var handlers sync.WaitGroup
	defer handlers.Wait()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 50 * time.Millisecond
	retry.MaxInterval = 2 * time.Second
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				if a.network == "unix" {
					_ = os.Remove(a.addr)
				}
				return ctx.Err()
			}
			wait := retry.NextBackOff()
			a.logger.Printf("delivery: accept failed, retrying in %s: %v", wait, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		h := a.queue.Install(conn)
		if a.onConn == nil {
			continue
		}
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			a.onConn(ctx, h)
		}()
	}
}
