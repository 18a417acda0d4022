// Package bus provides a bounded broadcast channel. Every subscriber gets its
// own buffer; a subscriber that falls behind loses its oldest entries instead
// of blocking the publisher.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the per-subscriber buffer size used when none is given
const DefaultCapacity = 1000

// ErrClosed is returned by Recv once the bus is closed and the buffer drained
var ErrClosed = errors.New("bus closed")

// LaggedError reports that a subscriber missed values because its buffer was full.
// It is recoverable: the next Recv continues with the oldest retained value.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d values skipped", e.Skipped)
}

// Bus is a multi-producer, multi-consumer broadcast of T
type Bus[T any] struct {
	mu       sync.RWMutex
	subs     map[*Subscription[T]]struct{}
	capacity int
	closed   bool
}

// New creates a bus with the given per-subscriber capacity
func New[T any](capacity int) *Bus[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus[T]{
		subs:     make(map[*Subscription[T]]struct{}),
		capacity: capacity,
	}
}

// Subscribe registers a new receiver. Values published before the call are not seen.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		bus: b,
		ch:  make(chan T, b.capacity),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers v to every subscriber without blocking.
// It returns the number of subscribers that received the value.
func (b *Bus[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	for s := range b.subs {
		s.offer(v)
	}
	return len(b.subs)
}

// Subscribers returns the current subscriber count
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends the bus. Subscribers drain what is buffered, then get ErrClosed.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
	}
	clear(b.subs)
}

// Subscription is one receiver of a Bus
type Subscription[T any] struct {
	bus     *Bus[T]
	ch      chan T
	dropped atomic.Uint64
}

// offer is called with the bus read lock held, so ch is never closed underneath it
func (s *Subscription[T]) offer(v T) {
	for {
		select {
		case s.ch <- v:
			return
		default:
		}

		// Buffer full: evict the oldest entry and retry
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Recv waits for the next value. After a loss it first returns a *LaggedError
// carrying the number of skipped values.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if n := s.dropped.Swap(0); n > 0 {
		return zero, &LaggedError{Skipped: n}
	}

	select {
	case v, ok := <-s.ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// C exposes the underlying channel for use in select statements.
// Losses are not reported through it.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}
