package realtime

import (
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/jsoncodec"
)

// Observers keeps the recent invocation history and streams it to the
// observer socket. New clients receive cli.dev followed by the history;
// afterwards every change to an invocation is pushed as it happens.
type Observers struct {
	hub  *Hub
	dev  DevProperties
	size int

	mu    sync.Mutex
	items []Invocation
}

// NewObservers creates an observer stream retaining size invocations.
// allowedOrigins restricts which pages may connect, as in HubConfig.
func NewObservers(dev DevProperties, size int, allowedOrigins []string) *Observers {
	if size <= 0 {
		size = 25
	}
	o := &Observers{dev: dev, size: size}
	o.hub = NewHub(HubConfig{
		Kind:           "observer",
		AllowedOrigins: allowedOrigins,
		OnConnect:      o.attach,
		OnMessage:      o.receive,
	})
	return o
}

func (o *Observers) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.hub.ServeHTTP(w, r)
}

// Stop disconnects every observer.
func (o *Observers) Stop() {
	o.hub.Stop()
}

// Hub returns the underlying hub.
func (o *Observers) Hub() *Hub {
	return o.hub
}

func (o *Observers) attach(c *Client, register func()) error {
	hello, err := NewMessage(MessageTypeCLIDev, o.dev)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := c.Send(hello); err != nil {
		return err
	}
	for _, inv := range o.items {
		msg, err := NewMessage(MessageTypeInvocation, []Invocation{inv})
		if err != nil {
			return err
		}
		if err := c.Send(msg); err != nil {
			return err
		}
	}
	register()
	return nil
}

func (o *Observers) receive(c *Client, msg Message) {
	switch msg.Type {
	case MessageTypeLogCleared:
		var props LogClearedProperties
		if err := jsoncodec.Unmarshal(msg.Properties, &props); err != nil || props.Source == "" {
			log.Debug().Str("client_id", c.ID).Msg("Ignoring malformed log.cleared")
			return
		}
		o.Clear(props.Source)
	default:
		log.Debug().Str("client_id", c.ID).Str("type", msg.Type).Msg("Ignoring unknown observer message")
	}
}

// Add records a new invocation, or replaces the one with the same ID, and
// pushes it to observers.
func (o *Observers) Add(inv Invocation) {
	if inv.Errors == nil {
		inv.Errors = []InvocationError{}
	}
	if inv.Logs == nil {
		inv.Logs = []LogLine{}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if i := o.indexOf(inv.ID); i >= 0 {
		o.items[i] = inv
	} else {
		o.items = append(o.items, inv)
		if len(o.items) > o.size {
			o.items = append([]Invocation(nil), o.items[len(o.items)-o.size:]...)
		}
	}
	o.push(inv)
}

// Update applies fn to the invocation with the given ID and pushes the
// result. Finished invocations are immutable; Update reports false for them
// and for unknown IDs.
func (o *Observers) Update(id string, fn func(*Invocation)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	i := o.indexOf(id)
	if i < 0 || o.items[i].End != 0 {
		return false
	}
	fn(&o.items[i])
	o.push(o.items[i])
	return true
}

// Clear drops the invocations of source, or all of them for ClearAll.
func (o *Observers) Clear(source string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if source == ClearAll {
		o.items = nil
		return
	}

	kept := o.items[:0]
	for _, inv := range o.items {
		if inv.Source != source {
			kept = append(kept, inv)
		}
	}
	o.items = kept
}

// Invocations returns a copy of the retained history, oldest first.
func (o *Observers) Invocations() []Invocation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Invocation(nil), o.items...)
}

func (o *Observers) indexOf(id string) int {
	for i := len(o.items) - 1; i >= 0; i-- {
		if o.items[i].ID == id {
			return i
		}
	}
	return -1
}

// push broadcasts inv. Callers hold o.mu so the order of pushes matches the
// order of changes.
func (o *Observers) push(inv Invocation) {
	msg, err := NewMessage(MessageTypeInvocation, []Invocation{inv})
	if err != nil {
		log.Error().Err(err).Str("invocation", inv.ID).Msg("Failed to encode invocation")
		return
	}
	o.hub.Broadcast(msg)
}
