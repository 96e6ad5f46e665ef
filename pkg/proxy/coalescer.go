package proxy

import (
	"sync"
	"time"

	"github.com/1mcp-app/onemcp/pkg/client"
)

type noteKey struct {
	kind   client.NotificationKind
	server string
}

// coalescer batches one session's outbound change notifications. Multiple
// events for the same (kind, server) inside a window collapse to one,
// keeping the most recent payload; flush order is FIFO by each key's first
// event. A zero window disables batching.
type coalescer struct {
	window time.Duration
	limit  int
	emit   func([]client.Notification)

	mu      sync.Mutex
	pending map[noteKey]client.Notification
	order   []noteKey
	timer   *time.Timer
	closed  bool
}

func newCoalescer(window time.Duration, limit int, emit func([]client.Notification)) *coalescer {
	return &coalescer{
		window:  window,
		limit:   limit,
		emit:    emit,
		pending: make(map[noteKey]client.Notification),
	}
}

// Add enqueues a notification. Never blocks: when the pending set is at its
// limit, the oldest key is dropped to make room.
func (c *coalescer) Add(n client.Notification) {
	if c.window <= 0 {
		c.emit([]client.Notification{n})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	key := noteKey{kind: n.Kind, server: n.Server}
	if _, exists := c.pending[key]; !exists {
		if c.limit > 0 && len(c.order) >= c.limit {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.pending, oldest)
		}
		c.order = append(c.order, key)
	}
	c.pending[key] = n

	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.flush)
	}
	c.mu.Unlock()
}

func (c *coalescer) flush() {
	c.mu.Lock()
	if c.closed || len(c.order) == 0 {
		c.timer = nil
		c.mu.Unlock()
		return
	}
	batch := make([]client.Notification, 0, len(c.order))
	for _, key := range c.order {
		batch = append(batch, c.pending[key])
	}
	c.pending = make(map[noteKey]client.Notification)
	c.order = nil
	c.timer = nil
	c.mu.Unlock()

	c.emit(batch)
}

// DistinctKinds reduces a coalesced batch to its notification kinds in
// first-seen order. The inbound wire carries one list-changed notification
// per kind, not per server.
func DistinctKinds(batch []client.Notification) []client.NotificationKind {
	var kinds []client.NotificationKind
	seen := make(map[client.NotificationKind]bool)
	for _, n := range batch {
		if !seen[n.Kind] {
			seen[n.Kind] = true
			kinds = append(kinds, n.Kind)
		}
	}
	return kinds
}

// Close drops pending notifications and stops the timer.
func (c *coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = make(map[noteKey]client.Notification)
	c.order = nil
}
