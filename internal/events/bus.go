package events

import (
	"sync"
	"sync/atomic"
)

// EventBus is a channel-based pub-sub event bus. Topics are tree root ids;
// SubscribeAll receives every tree.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // root id -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:    make(map[string][]chan Event),
		allSubs: make([]chan Event, 0),
	}
}

// Subscribe creates a subscription to one tree.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(rootID string, bufSize int) <-chan Event {
	ch := make(chan Event, bufferSize(bufSize))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs[rootID] = append(b.subs[rootID], ch)
	return ch
}

// SubscribeAll creates a subscription to every tree.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	ch := make(chan Event, bufferSize(bufSize))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)
	return ch
}

func bufferSize(n int) int {
	if n <= 0 {
		return 256
	}
	return n
}

// Unsubscribe closes and removes a subscription channel.
func (b *EventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for topic, channels := range b.subs {
		for i, c := range channels {
			if c == ch {
				b.subs[topic] = append(channels[:i:i], channels[i+1:]...)
				close(c)
				return
			}
		}
	}
	for i, c := range b.allSubs {
		if c == ch {
			b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
			close(c)
			return
		}
	}
}

// Publish sends an event to the subscribers of its tree and to every
// SubscribeAll channel.
// Non-blocking: if a subscriber's channel is full, the event is dropped for that subscriber.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[event.RootID] {
		b.offer(ch, event)
	}
	for _, ch := range b.allSubs {
		b.offer(ch, event)
	}
}

func (b *EventBus) offer(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}
