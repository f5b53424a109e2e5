// Package bus provides the in-process pub-sub bus carrying run lifecycle
// events (topic "run:<run_id>") to observers that do not own the run.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event is one published message.
type Event struct {
	Topic   string
	Name    string // protocol.RunEventStarted / RunEventCompleted / ...
	Payload any
}

// mailboxSize bounds each subscriber's buffer. A slow subscriber loses
// events rather than stalling publishers; losses are counted.
const mailboxSize = 64

// Subscription is one subscriber's bounded mailbox on a topic.
type Subscription struct {
	C      chan Event
	topic  string
	bus    *Bus
	closed atomic.Bool
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.unsubscribe(s)
	}
}

// Bus fans events out to per-topic subscribers.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string][]*Subscription
	dropped atomic.Int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]*Subscription)}
}

// Subscribe attaches a bounded mailbox to a topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		C:     make(chan Event, mailboxSize),
		topic: topic,
		bus:   b,
	}
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()
	return sub
}

// Publish delivers an event to every subscriber of the topic. Full
// mailboxes drop the event for that subscriber; drops are observable via
// Dropped.
//
// Delivery happens under the read lock: Cancel and CloseTopic detach and
// close mailboxes under the write lock, so no send can race a close.
func (b *Bus) Publish(topic, name string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.topics[topic] {
		select {
		case sub.C <- Event{Topic: topic, Name: name, Payload: payload}:
		default:
			b.dropped.Add(1)
			slog.Debug("bus: subscriber mailbox full, event dropped",
				"topic", topic, "event", name)
		}
	}
}

// Dropped returns the total number of events lost to full mailboxes.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// CloseTopic cancels all subscriptions on a topic. Called when the topic's
// run terminates.
func (b *Bus) CloseTopic(topic string) {
	b.mu.Lock()
	subs := b.topics[topic]
	delete(b.topics, topic)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.C)
		}
	}
}

func (b *Bus) unsubscribe(target *Subscription) {
	b.mu.Lock()
	subs := b.topics[target.topic]
	// Copy on removal: publishers iterate the stored slice under the read
	// lock, so the backing array must never be mutated in place.
	remaining := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub != target {
			remaining = append(remaining, sub)
		}
	}
	if len(remaining) == 0 {
		delete(b.topics, target.topic)
	} else {
		b.topics[target.topic] = remaining
	}
	b.mu.Unlock()

	// Detached under the write lock, so no publisher holds this mailbox.
	close(target.C)
}
