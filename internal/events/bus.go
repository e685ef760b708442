package events

import (
	"fmt"
	"sync"
	"time"

	"metapulse/internal/logging"
)

// Topic names a stream of events carrying payloads of type T
type Topic[T any] struct {
	name string
}

// NewTopic declares a topic. Topics with the same name share subscribers,
// so a name must only ever be declared with one payload type.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the wire name of the topic (e.g. "signal:update")
func (t Topic[T]) Name() string {
	return t.name
}

// Event represents a published event
type Event[T any] struct {
	Topic     string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   T         `json:"data"`
}

// Subscription is returned by Subscribe and detaches the handler
type Subscription struct {
	bus   *Bus
	topic string
	id    uint64
	once  sync.Once
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() {
		s.bus.remove(s.topic, s.id)
	})
}

type handler struct {
	id uint64
	fn func(any)
}

// Bus manages subscriptions and synchronous delivery
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handler
	nextID   uint64
	logger   *logging.Logger
	now      func() time.Time
}

// NewBus creates a new event bus
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Default()
	}
	return &Bus{
		handlers: make(map[string][]handler),
		logger:   logger.WithComponent("events"),
		now:      time.Now,
	}
}

// Subscribe registers fn for every event published on topic
func Subscribe[T any](b *Bus, topic Topic[T], fn func(Event[T])) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[topic.name] = append(b.handlers[topic.name], handler{
		id: id,
		fn: func(v any) { fn(v.(Event[T])) },
	})

	return &Subscription{bus: b, topic: topic.name, id: id}
}

// Publish delivers payload to every subscriber of topic before returning.
// A panicking subscriber is logged and skipped; the rest still run.
func Publish[T any](b *Bus, topic Topic[T], payload T) {
	b.mu.RLock()
	subs := make([]handler, len(b.handlers[topic.name]))
	copy(subs, b.handlers[topic.name])
	b.mu.RUnlock()

	event := Event[T]{Topic: topic.name, Timestamp: b.now(), Payload: payload}
	for _, h := range subs {
		b.deliver(topic.name, h, event)
	}
}

func (b *Bus) deliver(topic string, h handler, event any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber panicked", "topic", topic, "subscriber", h.id, "panic", fmt.Sprint(r))
		}
	}()
	h.fn(event)
}

// SubscriberCount returns how many handlers listen on the named topic
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[topic]
	for i, h := range subs {
		if h.id == id {
			b.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[topic]) == 0 {
		delete(b.handlers, topic)
	}
}
