// Package queue provides a bounded FIFO hand-off between a producer and a consumer
// goroutine with bounded-wait send and receive.
package queue

import (
	"context"
	"sync/atomic"
	"time"
)

// MeasurementCapacity is the depth of the measurement hand-off between the sampling
// and indicator tasks.
const MeasurementCapacity = 3

// Channel is a bounded FIFO with timed send and receive.
//
// Unlike a ring buffer it never overwrites: a send into a full channel waits up to its
// timeout and then gives up, leaving the queued items untouched. Each item is delivered
// to exactly one receiver.
//
//	ch := queue.New[int](3)
//	ok := ch.Send(ctx, 42, time.Second)
//	v, ok := ch.Receive(ctx, 500*time.Millisecond)
type Channel[T any] struct {
	ch      chan T
	metrics Metrics // lock-free metrics tracking
}

// New creates a Channel with the given capacity.
func New[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		panic("queue: capacity must be > 0")
	}
	return &Channel[T]{ch: make(chan T, capacity)}
}

// Send enqueues v, waiting up to timeout for space. A zero timeout tries once.
// It returns false if the channel stayed full or ctx was cancelled.
func (c *Channel[T]) Send(ctx context.Context, v T, timeout time.Duration) bool {
	select {
	case c.ch <- v:
		c.metrics.addSent()
		return true
	default:
	}

	if timeout <= 0 {
		c.metrics.addSendTimeout()
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.ch <- v:
		c.metrics.addSent()
		return true
	case <-timer.C:
		c.metrics.addSendTimeout()
		return false
	case <-ctx.Done():
		return false
	}
}

// Receive dequeues the oldest item, waiting up to timeout for one to arrive. A zero
// timeout tries once. It returns false if nothing arrived or ctx was cancelled.
func (c *Channel[T]) Receive(ctx context.Context, timeout time.Duration) (T, bool) {
	var zero T

	select {
	case v := <-c.ch:
		c.metrics.addReceived()
		return v, true
	default:
	}

	if timeout <= 0 {
		c.metrics.addReceiveTimeout()
		return zero, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-c.ch:
		c.metrics.addReceived()
		return v, true
	case <-timer.C:
		c.metrics.addReceiveTimeout()
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// Len returns the number of queued items.
func (c *Channel[T]) Len() int {
	return len(c.ch)
}

// Cap returns the channel capacity.
func (c *Channel[T]) Cap() int {
	return cap(c.ch)
}

// Metrics returns a snapshot of current metrics values.
func (c *Channel[T]) Metrics() Metrics {
	return Metrics{
		Sent:            atomic.LoadInt64(&c.metrics.Sent),
		Received:        atomic.LoadInt64(&c.metrics.Received),
		SendTimeouts:    atomic.LoadInt64(&c.metrics.SendTimeouts),
		ReceiveTimeouts: atomic.LoadInt64(&c.metrics.ReceiveTimeouts),
	}
}

// Metrics counts channel traffic. Cancelled waits are not counted as timeouts.
type Metrics struct {
	Sent            int64
	Received        int64
	SendTimeouts    int64
	ReceiveTimeouts int64
}

func (m *Metrics) addSent() {
	atomic.AddInt64(&m.Sent, 1)
}

func (m *Metrics) addReceived() {
	atomic.AddInt64(&m.Received, 1)
}

func (m *Metrics) addSendTimeout() {
	atomic.AddInt64(&m.SendTimeouts, 1)
}

func (m *Metrics) addReceiveTimeout() {
	atomic.AddInt64(&m.ReceiveTimeouts, 1)
}
