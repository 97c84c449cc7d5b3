// Package async provides a bounded, fail-fast worker pool for background tasks.
package async

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/coachpo/tickrelay/errs"
)

// Task is a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool runs submitted tasks on a fixed number of workers. Submit never blocks:
// a full queue is reported as errs.CodeUnavailable so callers can retry later.
type Pool struct {
	name   string
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once

	failed   atomic.Uint64
	panicked atomic.Uint64
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(name string, workers, queue int, logger *log.Logger) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queue),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules fn, failing fast when the pool is saturated or closed.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	if p.ctx.Err() != nil {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"), errs.WithField("pool", p.name))
	}
	p.wg.Add(1)
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"), errs.WithField("pool", p.name))
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"), errs.WithField("pool", p.name))
	}
}

// Failed returns the number of tasks that returned an error or panicked.
func (p *Pool) Failed() uint64 { return p.failed.Load() + p.panicked.Load() }

// Close stops accepting tasks and cancels the workers.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.cancel()
	})
}

// Shutdown stops intake, discards queued tasks and waits for in-flight ones or ctx expiry.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case j := <-p.jobs:
			p.run(j)
		}
	}
}

// drain releases queued jobs after close without running them.
func (p *Pool) drain() {
	for {
		select {
		case <-p.jobs:
			p.wg.Done()
		default:
			return
		}
	}
}

func (p *Pool) run(j job) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Printf("async pool %s: task panic: %v", p.name, r)
		}
	}()
	if err := j.fn(j.ctx); err != nil {
		p.failed.Add(1)
		p.logger.Printf("async pool %s: task failed: %v", p.name, err)
	}
}
