// Package events is a typed, synchronous publish/subscribe bus.
//
// Each Topic carries one payload type. Subscribers of a topic are called in subscription order on
// the goroutine that publishes, followed by every subscriber registered with SubscribeAll. Payloads
// are passed by value so a subscriber only ever sees the state at publish time.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.viam.com/posetrack/logging"
)

// Topic names an event and fixes the type of its payload.
type Topic[T any] struct {
	name string
}

// NewTopic returns a topic with the given event name.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name is the event name, as reported to SubscribeAll subscribers.
func (t Topic[T]) Name() string {
	return t.name
}

func (t Topic[T]) String() string {
	return t.name
}

// Empty is the payload of events that carry no data.
type Empty struct{}

// Event is what SubscribeAll subscribers receive.
type Event struct {
	Name    string
	Time    time.Time
	Payload any
}

// Subscription identifies a registered subscriber for Unsubscribe.
type Subscription struct {
	id    uuid.UUID
	topic string
	all   bool
}

// ID returns the unique id of the subscription.
func (s Subscription) ID() uuid.UUID {
	return s.id
}

type subscriber struct {
	id uuid.UUID
	fn func(any)
}

type allSubscriber struct {
	id uuid.UUID
	fn func(Event)
}

// Bus delivers published events to subscribers. The zero value is not usable; use NewBus.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]subscriber
	all    []allSubscriber
	now    func() time.Time
	logger logging.Logger
}

// NewBus returns an empty bus. If logger is nil the global logger is used.
func NewBus(logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Global()
	}
	return &Bus{
		topics: map[string][]subscriber{},
		now:    time.Now,
		logger: logger,
	}
}

// Subscribe registers fn to be called with every payload published on topic.
func Subscribe[T any](b *Bus, topic Topic[T], fn func(T)) Subscription {
	id := uuid.New()
	b.mu.Lock()
	b.topics[topic.name] = append(b.topics[topic.name], subscriber{
		id: id,
		fn: func(payload any) { fn(payload.(T)) },
	})
	b.mu.Unlock()
	return Subscription{id: id, topic: topic.name}
}

// SubscribeAll registers fn to be called with every event published on any topic.
func (b *Bus) SubscribeAll(fn func(Event)) Subscription {
	id := uuid.New()
	b.mu.Lock()
	b.all = append(b.all, allSubscriber{id: id, fn: fn})
	b.mu.Unlock()
	return Subscription{id: id, all: true}
}

// Unsubscribe removes a subscriber. It returns false if the subscription was not registered.
func (b *Bus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.all {
		for i, s := range b.all {
			if s.id == sub.id {
				b.all = append(b.all[:i:i], b.all[i+1:]...)
				return true
			}
		}
		return false
	}
	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.topics[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers payload to the topic's subscribers and then to every SubscribeAll subscriber,
// all on the calling goroutine. Subscribers may subscribe, unsubscribe or publish from inside the
// callback; such changes apply from the next Publish.
func Publish[T any](b *Bus, topic Topic[T], payload T) {
	b.mu.RLock()
	subs := b.topics[topic.name]
	all := b.all
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(topic.name, func() { s.fn(payload) })
	}
	if len(all) == 0 {
		return
	}
	ev := Event{Name: topic.name, Time: b.now(), Payload: payload}
	for _, s := range all {
		b.deliver(topic.name, func() { s.fn(ev) })
	}
}

// deliver calls one subscriber, logging instead of propagating a panic.
func (b *Bus) deliver(name string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event subscriber panicked", "event", name, "panic", fmt.Sprint(r))
		}
	}()
	call()
}

// SubscriberCount returns the number of subscribers of the named topic, not counting SubscribeAll
// subscribers.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[name])
}
