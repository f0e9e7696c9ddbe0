// Package events is a small in-process pub/sub used to observe order
// lifecycle transitions. Production code publishes; only tests and optional
// tooling subscribe, so the engine never depends on a subscriber being
// present.
package events

import (
	"sync"
	"time"
)

// Topic names published by the engine
const (
	TopicOrderPlaced       = "order.placed"
	TopicOrderFilled       = "order.filled"
	TopicOrderPartial      = "order.partial"
	TopicOrderCancelled    = "order.cancelled"
	TopicOrderFailed       = "order.failed"
	TopicPositionOpened    = "position.opened"
	TopicPositionClosed    = "position.closed"
	TopicStopLossTriggered = "stoploss.triggered"
	TopicMarketSwitch      = "market.switch"
	TopicEngineStarted     = "engine.started"
	TopicEngineStopped     = "engine.stopped"
	TopicEngineError       = "engine.error"
)

// Event is one published occurrence
type Event struct {
	Topic   string
	At      time.Time
	Payload interface{}
}

// Handler receives events synchronously on the publisher's goroutine
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus is a topic-keyed pub/sub. Dispatch snapshots the handler list under
// the read lock and invokes handlers outside it, so a handler may
// subscribe or unsubscribe without deadlocking.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscription
}

// NewBus returns an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for topic and returns an unsubscribe token
func (b *Bus) Subscribe(topic string, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})
	return id
}

// Unsubscribe removes the handler registered under id for topic
func (b *Bus) Unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the payload to every handler subscribed to topic
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	snapshot := make([]subscription, len(b.subs[topic]))
	copy(snapshot, b.subs[topic])
	b.mu.RUnlock()

	ev := Event{Topic: topic, At: time.Now(), Payload: payload}
	for _, s := range snapshot {
		s.handler(ev)
	}
}

// SubscriberCount reports the number of handlers on topic
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
