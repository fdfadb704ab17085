package events

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler receives events of the type it subscribed to.
type Handler func(Event)

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is an in-process publish/subscribe bus. Delivery is synchronous and
// follows subscription order. The subscriber list of a type is replaced on
// every change, so a publish in progress keeps iterating the list it started
// with.
type Bus struct {
	mu          sync.Mutex
	subscribers map[Type][]subscriber
	nextID      uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[Type][]subscriber)}
}

// Subscription is returned by Subscribe and removes the handler when
// cancelled.
type Subscription struct {
	bus  *Bus
	typ  Type
	id   uint64
	once sync.Once
}

// Subscribe appends fn to the handlers of t.
func (b *Bus) Subscribe(t Type, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	current := b.subscribers[t]
	next := make([]subscriber, len(current), len(current)+1)
	copy(next, current)
	b.subscribers[t] = append(next, subscriber{id: id, fn: fn})

	log.Debug().Str("type", string(t)).Uint64("subscription", id).Msg("Handler subscribed")

	return &Subscription{bus: b, typ: t, id: id}
}

// Unsubscribe removes the handler. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.remove(s.typ, s.id)
	})
}

func (b *Bus) remove(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subscribers[t]
	next := make([]subscriber, 0, len(current))
	for _, sub := range current {
		if sub.id != id {
			next = append(next, sub)
		}
	}
	if len(next) == 0 {
		delete(b.subscribers, t)
		return
	}
	b.subscribers[t] = next
}

// Publish delivers an event of type t to every current subscriber.
func (b *Bus) Publish(t Type, properties any) {
	b.PublishEvent(Event{Type: t, Properties: properties})
}

// PublishEvent delivers evt to every current subscriber, in subscription
// order. A handler that panics is logged and skipped.
func (b *Bus) PublishEvent(evt Event) {
	if !evt.Type.Valid() {
		log.Warn().Str("type", string(evt.Type)).Msg("Dropping event with unknown type")
		return
	}

	b.mu.Lock()
	subs := b.subscribers[evt.Type]
	b.mu.Unlock()

	log.Debug().Str("type", string(evt.Type)).Int("subscribers", len(subs)).Msg("Publishing event")

	for _, sub := range subs {
		b.dispatch(evt, sub)
	}
}

func (b *Bus) dispatch(evt Event, sub subscriber) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("type", string(evt.Type)).
				Uint64("subscription", sub.id).
				Msg("Event handler panicked")
		}
	}()
	sub.fn(evt)
}

// On subscribes a handler that receives the typed properties of t. Events
// whose properties are not a T are logged and skipped.
func On[T any](b *Bus, t Type, fn func(T)) *Subscription {
	return b.Subscribe(t, func(evt Event) {
		switch p := evt.Properties.(type) {
		case T:
			fn(p)
		case *T:
			if p != nil {
				fn(*p)
			}
		default:
			log.Warn().
				Str("type", string(evt.Type)).
				Str("properties", fmt.Sprintf("%T", evt.Properties)).
				Msg("Event properties have unexpected type")
		}
	})
}
