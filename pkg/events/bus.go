// Package events provides typed in-process fan-out buses.
//
// One bus per event family (loading state, instruction changes, preset
// changes, upstream capability changes). A bus has a single logical writer
// and many readers; late subscribers do not receive replay.
package events

import (
	"log/slog"
	"sync"
)

// DefaultSubscriberBuffer is the channel buffer given to each subscriber.
// A slow subscriber drops events once its buffer is full rather than
// blocking the publisher.
const DefaultSubscriberBuffer = 64

// Bus fans events of type T out to all current subscribers.
// Publish never blocks: delivery to a subscriber whose buffer is full is
// dropped (and logged). Ordering is preserved per subscriber for the events
// it does receive.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[int]chan T
	nextID int
	closed bool

	buffer int
	logger *slog.Logger
}

// NewBus creates a bus with the default per-subscriber buffer.
func NewBus[T any]() *Bus[T] {
	return NewBusBuffered[T](DefaultSubscriberBuffer)
}

// NewBusBuffered creates a bus with an explicit per-subscriber buffer size.
func NewBusBuffered[T any](buffer int) *Bus[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus[T]{
		subs:   make(map[int]chan T),
		buffer: buffer,
		logger: slog.Default(),
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or bus Close.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers ev to every current subscriber without blocking.
//
// Sends happen under the read lock. They are non-blocking, so holding the
// lock is cheap, and it guarantees no channel is closed (unsubscribe takes
// the write lock) while a send is in flight.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("Event dropped: subscriber buffer full")
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
