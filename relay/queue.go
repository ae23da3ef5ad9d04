// Package relay implements the queue which carries buffers from several
// producer goroutines to a single consumer.
//
// Every buffer is owned by exactly one party at a time: a producer (after
// Acquire), the queue's free-list (after Enqueue), the queue's FIFO
// (after Release) or the consumer (after Dequeue).
package relay

import (
	"context"
	"errors"
	"io"

	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/metrics"
	"github.com/xaionaro-go/xsync"
)

// ErrClosed is returned by Release when the queue no longer accepts buffers;
// the buffer is recycled into the free-list.
var ErrClosed = errors.New("the relay queue is closed")

type Config[T any] struct {
	// Name labels the queue in logs and metrics.
	Name string

	// Alloc creates a new buffer when the free-list is empty.
	Alloc func() T

	// Reset empties a buffer before it is put into the free-list.
	Reset func(T)

	// Free disposes a buffer on Dispose. Optional.
	Free func(T)
}

type Queue[T any] struct {
	config Config[T]

	locker   xsync.Mutex
	free     []T
	filled   []T
	closed   bool
	disposed bool
	wakeCh   chan struct{}
}

func New[T any](cfg Config[T]) *Queue[T] {
	if cfg.Reset == nil {
		cfg.Reset = func(T) {}
	}
	return &Queue[T]{
		config: cfg,
		wakeCh: make(chan struct{}),
	}
}

func (q *Queue[T]) String() string {
	return "relay.Queue(" + q.config.Name + ")"
}

func (q *Queue[T]) updateMetricsLocked() {
	metrics.RelayFilled.WithLabelValues(q.config.Name).Set(float64(len(q.filled)))
	metrics.RelayFree.WithLabelValues(q.config.Name).Set(float64(len(q.free)))
}

func (q *Queue[T]) wakeLocked() {
	close(q.wakeCh)
	q.wakeCh = make(chan struct{})
}

// Acquire returns an empty buffer: a recycled one if available, a newly
// allocated one otherwise. The caller owns it.
func (q *Queue[T]) Acquire() T {
	ctx := xsync.WithNoLogging(context.TODO(), true)
	item, ok := xsync.DoR2(ctx, &q.locker, func() (T, bool) {
		n := len(q.free)
		if n == 0 {
			var zero T
			return zero, false
		}
		item := q.free[n-1]
		var zero T
		q.free[n-1] = zero
		q.free = q.free[:n-1]
		q.updateMetricsLocked()
		return item, true
	})
	if ok {
		return item
	}
	return q.config.Alloc()
}

// Release hands a filled buffer over to the consumer side.
func (q *Queue[T]) Release(item T) error {
	ctx := xsync.WithNoLogging(context.TODO(), true)
	return xsync.DoR1(ctx, &q.locker, func() error {
		if q.closed {
			q.config.Reset(item)
			q.free = append(q.free, item)
			q.updateMetricsLocked()
			return ErrClosed
		}
		q.filled = append(q.filled, item)
		q.updateMetricsLocked()
		q.wakeLocked()
		return nil
	})
}

// Dequeue returns the oldest filled buffer, waiting for one if needed; the
// caller owns it. It returns io.EOF once the queue is closed and nothing
// is left to deliver, and the context error if ctx is done first.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	for {
		var (
			item   T
			ok     bool
			closed bool
			wakeCh <-chan struct{}
		)
		q.locker.Do(xsync.WithNoLogging(ctx, true), func() {
			if len(q.filled) > 0 {
				item = q.filled[0]
				var zero T
				q.filled[0] = zero
				q.filled = q.filled[1:]
				ok = true
				q.updateMetricsLocked()
				return
			}
			closed = q.closed
			wakeCh = q.wakeCh
		})
		switch {
		case ok:
			return item, nil
		case closed:
			return item, io.EOF
		}

		select {
		case <-ctx.Done():
			return item, ctx.Err()
		case <-wakeCh:
		}
	}
}

// Enqueue returns a drained buffer to the free-list for reuse by producers.
func (q *Queue[T]) Enqueue(item T) {
	q.config.Reset(item)
	q.locker.Do(xsync.WithNoLogging(context.TODO(), true), func() {
		q.free = append(q.free, item)
		q.updateMetricsLocked()
	})
}

// Close stops accepting filled buffers and wakes all waiters. With
// immediately set, undelivered buffers are recycled into the free-list;
// otherwise the consumer keeps receiving them until the FIFO is empty.
// Repeated calls are no-ops, except that an immediate close still drops
// what a previous graceful close left undelivered.
func (q *Queue[T]) Close(
	ctx context.Context,
	immediately bool,
) {
	q.locker.Do(ctx, func() {
		if immediately && len(q.filled) > 0 {
			logger.Debugf(ctx, "%s: dropping %d undelivered buffers", q, len(q.filled))
			for i, item := range q.filled {
				q.config.Reset(item)
				q.free = append(q.free, item)
				var zero T
				q.filled[i] = zero
			}
			q.filled = q.filled[:0]
			q.updateMetricsLocked()
		}
		if q.closed {
			return
		}
		logger.Debugf(ctx, "%s: closing (immediately: %t)", q, immediately)
		q.closed = true
		q.wakeLocked()
	})
}

// IsClosed tells producers to stop; the consumer may still have buffers
// to dequeue.
func (q *Queue[T]) IsClosed() bool {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &q.locker, func() bool {
		return q.closed
	})
}

// Len is the number of filled buffers waiting for the consumer.
func (q *Queue[T]) Len() int {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &q.locker, func() int {
		return len(q.filled)
	})
}

// FreeLen is the number of recycled buffers in the free-list.
func (q *Queue[T]) FreeLen() int {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &q.locker, func() int {
		return len(q.free)
	})
}

// Dispose closes the queue immediately and frees every buffer it owns.
// Buffers held by producers or by the consumer stay theirs.
func (q *Queue[T]) Dispose(ctx context.Context) {
	q.Close(ctx, true)
	q.locker.Do(ctx, func() {
		if q.disposed {
			return
		}
		q.disposed = true
		if q.config.Free != nil {
			for _, item := range q.free {
				q.config.Free(item)
			}
		}
		q.free = nil
		q.updateMetricsLocked()
	})
}
