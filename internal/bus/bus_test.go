package bus

import (
	"sync"
	"testing"
)

func TestPublishDeliversInSubscribeOrder(t *testing.T) {
	t.Parallel()
	b := New()

	var mu sync.Mutex
	var order []int

	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe("mailbox/chris", func(topic string, payload any) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	b.Publish("mailbox/chris", "hello")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("unexpected delivery order: %v", order)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()

	var calls int
	unsub := b.Subscribe("presence", func(topic string, payload any) { calls++ })
	b.Publish("presence", 1)
	unsub()
	b.Publish("presence", 2)

	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}

	// Safe to call more than once.
	unsub()
}

func TestPublishIsolatesPanickingHandler(t *testing.T) {
	t.Parallel()
	b := New()

	var secondCalled bool
	b.Subscribe("buzz", func(topic string, payload any) { panic("boom") })
	b.Subscribe("buzz", func(topic string, payload any) { secondCalled = true })

	b.Publish("buzz", "event")

	if !secondCalled {
		t.Fatalf("second subscriber should still run after first panics")
	}
}

func TestSubscriberCount(t *testing.T) {
	t.Parallel()
	b := New()

	if got := b.SubscriberCount("swarm"); got != 0 {
		t.Fatalf("SubscriberCount=%d want 0", got)
	}

	unsub1 := b.Subscribe("swarm", func(string, any) {})
	b.Subscribe("swarm", func(string, any) {})

	if got := b.SubscriberCount("swarm"); got != 2 {
		t.Fatalf("SubscriberCount=%d want 2", got)
	}

	unsub1()
	if got := b.SubscriberCount("swarm"); got != 1 {
		t.Fatalf("SubscriberCount=%d want 1", got)
	}
}

func TestPublishNoSubscribersIsNoop(t *testing.T) {
	t.Parallel()
	b := New()
	b.Publish("mailbox/nobody", "x")
}
