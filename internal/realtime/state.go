package realtime

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/events"
)

// StateSource yields the last published state document. Observe runs fn
// while no patch batch is being published.
type StateSource interface {
	Observe(fn func(doc []byte))
}

// StateStream sends the state document to new clients and every
// local.patches batch afterwards.
type StateStream struct {
	hub    *Hub
	source StateSource
	sub    *events.Subscription
}

// NewStateStream subscribes to local.patches on bus.
func NewStateStream(bus *events.Bus, source StateSource, allowedOrigins []string) *StateStream {
	s := &StateStream{source: source}
	s.hub = NewHub(HubConfig{
		Kind:           "state",
		AllowedOrigins: allowedOrigins,
		OnConnect:      s.attach,
	})
	s.sub = events.On(bus, events.TypeLocalPatches, s.patches)
	return s
}

func (s *StateStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeHTTP(w, r)
}

// Hub returns the underlying hub.
func (s *StateStream) Hub() *Hub {
	return s.hub
}

// Stop unsubscribes from the bus and disconnects every client.
func (s *StateStream) Stop() {
	s.sub.Unsubscribe()
	s.hub.Stop()
}

func (s *StateStream) attach(c *Client, register func()) error {
	var sendErr error
	s.source.Observe(func(doc []byte) {
		sendErr = c.Send(Message{Type: MessageTypeStateSnapshot, Properties: json.RawMessage(doc)})
		if sendErr == nil {
			register()
		}
	})
	return sendErr
}

func (s *StateStream) patches(batch events.PatchesProperties) {
	msg, err := NewMessage(MessageTypeStatePatches, batch)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode state patches")
		return
	}
	s.hub.Broadcast(msg)
}
