// Package bus is Hive's in-process event bus: a topic registry with
// synchronous, best-effort fan-out. Exactly one server process owns this
// registry (spec Non-goals forbid distributed delivery), so there is no
// Redis or other external transport here — publish and subscribe are plain
// in-memory operations guarded by a short-held mutex, in the shape of the
// teacher's channel fanout loop (subscribe once, dispatch per event, never
// let one listener's failure stop delivery to the rest).
package bus

import (
	"log/slog"
	"sync"

	"go.uber.org/atomic"
)

// Handler receives one published payload. Handlers run synchronously on the
// publisher's goroutine and must not block on network I/O for more than a
// trivial write timeout (spec §5); a push-stream handler that fails a write
// is expected to mark itself closed and return quickly rather than panic.
type Handler func(topic string, payload any)

// Unsubscribe removes a previously registered handler. Safe to call more
// than once.
type Unsubscribe func()

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a topic-keyed pub/sub registry.
type Bus struct {
	mu            sync.Mutex
	subscriptions map[string][]subscription
	nextID        atomic.Uint64
	log           *slog.Logger
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscriptions: make(map[string][]subscription),
		log:           slog.Default().With("component", "bus"),
	}
}

// Subscribe registers handler for topic and returns a function that
// deregisters it. Handler invocation order for a given topic matches
// subscribe order (no ordering is promised across topics, per spec §4.G).
func (b *Bus) Subscribe(topic string, handler Handler) Unsubscribe {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.subscriptions[topic] = append(b.subscriptions[topic], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscriptions[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.subscriptions[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscriptions[topic]) == 0 {
		delete(b.subscriptions, topic)
	}
}

// Publish delivers payload to every current subscriber of topic. The
// subscriber list is copied under the lock and handlers run outside it, so a
// slow or blocking handler never holds up Subscribe/Unsubscribe on other
// topics, and a handler that subscribes/unsubscribes from within its own
// callback cannot deadlock.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subscriptions[topic]...)
	b.mu.Unlock()

	for _, sub := range subs {
		b.invoke(topic, payload, sub.handler)
	}
}

// invoke runs a handler, converting a panic into a logged warning so one
// broken listener never takes down the publisher or the rest of the
// subscriber list (spec §4.B: "publishers must treat listener exceptions as
// non-fatal and continue delivering to others").
func (b *Bus) invoke(topic string, payload any, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panic", "topic", topic, "recover", r)
		}
	}()
	handler(topic, payload)
}

// SubscriberCount reports the current subscriber count for a topic, mostly
// useful for tests and diagnostics.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscriptions[topic])
}
