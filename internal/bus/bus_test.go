package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("run:abc")
	defer sub.Cancel()

	b.Publish("run:abc", "run.started", map[string]string{"run_id": "abc"})
	b.Publish("run:other", "run.started", nil)

	select {
	case ev := <-sub.C:
		if ev.Topic != "run:abc" || ev.Name != "run.started" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case ev := <-sub.C:
		t.Fatalf("cross-topic leak: %+v", ev)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe("run:slow")
	defer sub.Cancel()

	for i := 0; i < mailboxSize+5; i++ {
		b.Publish("run:slow", "delta", i)
	}

	if got := b.Dropped(); got != 5 {
		t.Fatalf("dropped = %d, want 5", got)
	}

	// Mailbox still holds the first mailboxSize events in order.
	first := <-sub.C
	if first.Payload != 0 {
		t.Fatalf("first payload = %v, want 0", first.Payload)
	}
}

func TestCloseTopic(t *testing.T) {
	b := New()
	sub := b.Subscribe("run:done")
	b.CloseTopic("run:done")

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// Publishing after close is a no-op.
	b.Publish("run:done", "late", nil)
}

func TestCancelIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe("run:x")
	sub.Cancel()
	sub.Cancel()

	b.Publish("run:x", "after-cancel", nil)
	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel after cancel")
	}
}

// Subscribers canceling mid-publish must never see a send on their closed
// mailbox or tear the subscriber list out from under the publisher.
func TestCancelConcurrentWithPublish(t *testing.T) {
	b := New()

	for iter := 0; iter < 200; iter++ {
		topic := fmt.Sprintf("run:%d", iter)
		subs := make([]*Subscription, 4)
		for i := range subs {
			subs[i] = b.Subscribe(topic)
		}

		var wg sync.WaitGroup
		wg.Add(len(subs) + 1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Publish(topic, "delta", i)
			}
		}()
		for _, sub := range subs {
			go func(s *Subscription) {
				defer wg.Done()
				s.Cancel()
			}(sub)
		}
		wg.Wait()

		for _, sub := range subs {
			for range sub.C {
			}
		}
	}
}

func TestDedupeCache(t *testing.T) {
	c := NewDedupeCache(50*time.Millisecond, 100)

	if c.IsDuplicate("m1") {
		t.Fatal("first sighting flagged as duplicate")
	}
	if !c.IsDuplicate("m1") {
		t.Fatal("second sighting not flagged")
	}

	time.Sleep(60 * time.Millisecond)
	if c.IsDuplicate("m1") {
		t.Fatal("expired entry still flagged")
	}
}

func TestDedupeCacheEviction(t *testing.T) {
	c := NewDedupeCache(time.Minute, 3)
	c.IsDuplicate("a")
	c.IsDuplicate("b")
	c.IsDuplicate("c")
	// Over the cap: something gets evicted but the cache stays bounded.
	c.IsDuplicate("d")
	if len(c.entries) > 3 {
		t.Fatalf("cache grew past cap: %d entries", len(c.entries))
	}
}
