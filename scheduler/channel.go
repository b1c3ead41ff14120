package scheduler

import "sync"

// SendResult is the outcome of Channel.TrySend.
type SendResult int

const (
	Sent SendResult = iota
	// Full means the value was not sent; the waker is notified once capacity frees up.
	Full
	// Abandoned means every receiver is gone; producers should stop.
	Abandoned
)

// RecvResult is the outcome of Channel.TryRecv.
type RecvResult int

const (
	Received RecvResult = iota
	// Empty means nothing was available; the waker is notified once a value arrives or the
	// channel closes.
	Empty
	// Closed means every producer finished and the channel is drained.
	Closed
)

// Channel is a bounded multi-producer multi-consumer queue between tasks. It never blocks:
// a full send or an empty receive registers the caller's waker instead. It holds at most
// capacity values at any time.
//
// The channel does not own its values. It never retains or releases them, so a value that
// needs releasing must be released by whoever holds it once it was received, or by the producer
// when a send reports Abandoned.
type Channel[T any] struct {
	mu        sync.Mutex
	buf       []T
	head, n   int
	producers int
	closed    bool
	abandoned bool
	highWater int

	sendWaiters []Waker
	recvWaiters []Waker
}

// NewChannel creates a channel for the given number of producers. It closes once each producer
// called CloseSend.
func NewChannel[T any](capacity, producers int) *Channel[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Channel[T]{buf: make([]T, capacity), producers: producers, closed: producers == 0}
}

func (c *Channel[T]) Capacity() int {
	return len(c.buf)
}

// TrySend enqueues v if there is room.
func (c *Channel[T]) TrySend(v T, w Waker) SendResult {
	c.mu.Lock()
	if c.abandoned {
		c.mu.Unlock()
		return Abandoned
	}
	if c.n == len(c.buf) {
		if w != nil {
			c.sendWaiters = append(c.sendWaiters, w)
		}
		c.mu.Unlock()
		return Full
	}
	c.buf[(c.head+c.n)%len(c.buf)] = v
	c.n++
	if c.n > c.highWater {
		c.highWater = c.n
	}
	waiters := c.recvWaiters
	c.recvWaiters = nil
	c.mu.Unlock()
	wakeAll(waiters)
	return Sent
}

// TryRecv dequeues the oldest value.
func (c *Channel[T]) TryRecv(w Waker) (T, RecvResult) {
	var zero T
	c.mu.Lock()
	if c.n == 0 {
		if c.closed {
			c.mu.Unlock()
			return zero, Closed
		}
		if w != nil {
			c.recvWaiters = append(c.recvWaiters, w)
		}
		c.mu.Unlock()
		return zero, Empty
	}
	v := c.buf[c.head]
	c.buf[c.head] = zero
	c.head = (c.head + 1) % len(c.buf)
	c.n--
	waiters := c.sendWaiters
	c.sendWaiters = nil
	c.mu.Unlock()
	wakeAll(waiters)
	return v, Received
}

// CloseSend marks one producer as finished.
func (c *Channel[T]) CloseSend() {
	c.mu.Lock()
	c.producers--
	var waiters []Waker
	if c.producers <= 0 && !c.closed {
		c.closed = true
		waiters = c.recvWaiters
		c.recvWaiters = nil
	}
	c.mu.Unlock()
	wakeAll(waiters)
}

// Abandon is called by the consumer side when it needs no more values. The channel forgets its
// buffered values without releasing them and wakes blocked producers to observe Abandoned.
func (c *Channel[T]) Abandon() {
	c.mu.Lock()
	c.abandoned = true
	var zero T
	for i := range c.buf {
		c.buf[i] = zero
	}
	c.n = 0
	waiters := c.sendWaiters
	c.sendWaiters = nil
	c.mu.Unlock()
	wakeAll(waiters)
}

// Len is the number of buffered values.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// HighWater is the largest number of values the channel ever held at once.
func (c *Channel[T]) HighWater() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highWater
}

func wakeAll(ws []Waker) {
	for _, w := range ws {
		w.Wake()
	}
}

// Signal is a Waker for goroutines outside the scheduler, such as a result consumer.
type Signal chan struct{}

func NewSignal() Signal {
	return make(Signal, 1)
}

func (s Signal) Wake() {
	select {
	case s <- struct{}{}:
	default:
	}
}
