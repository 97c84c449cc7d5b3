// Package ingress buffers raw driver frames between the page callback and the
// single pipeline consumer.
package ingress

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/internal/driver"
)

// Queue is a bounded, non-blocking frame queue.
type Queue struct {
	ch      chan driver.Frame
	done    chan struct{}
	once    sync.Once
	metrics *ingressMetrics

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue allocates a queue holding up to capacity frames.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:      make(chan driver.Frame, capacity),
		done:    make(chan struct{}),
		metrics: newIngressMetrics(),
	}
}

// TryPublish enqueues frame without blocking. A full or closed queue counts a
// drop and returns a CodeUnavailable error.
func (q *Queue) TryPublish(frame driver.Frame) error {
	select {
	case <-q.done:
		q.drop("closed")
		return errs.New("ingress", errs.CodeUnavailable, errs.WithMessage("queue closed"))
	default:
	}
	select {
	case q.ch <- frame:
		q.published.Add(1)
		return nil
	default:
		q.drop("full")
		return errs.New("ingress", errs.CodeUnavailable, errs.WithMessage("queue full"))
	}
}

// Publish is TryPublish for callbacks that cannot handle an error.
func (q *Queue) Publish(frame driver.Frame) {
	_ = q.TryPublish(frame)
}

// Close stops intake. Frames already queued are still delivered by Run.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

// Run hands frames to handler until ctx is done, or the queue is closed and drained.
func (q *Queue) Run(ctx context.Context, handler func(driver.Frame)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-q.ch:
			handler(frame)
		case <-q.done:
			for {
				select {
				case frame := <-q.ch:
					handler(frame)
				default:
					return nil
				}
			}
		}
	}
}

// Len returns the number of queued frames.
func (q *Queue) Len() int { return len(q.ch) }

// Published returns the number of accepted frames.
func (q *Queue) Published() uint64 { return q.published.Load() }

// Dropped returns the number of refused frames.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

func (q *Queue) drop(reason string) {
	q.dropped.Add(1)
	q.metrics.recordDrop(reason)
}
