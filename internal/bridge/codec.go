package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/watzon/tether/internal/events"
	"github.com/watzon/tether/internal/fragment"
	"github.com/watzon/tether/internal/jsoncodec"
	"github.com/watzon/tether/internal/metrics"
	"github.com/watzon/tether/internal/transport"
)

var (
	// ErrMessageTooLarge is returned when a fragment still exceeds the
	// transport ceiling and no offloader can take the payload.
	ErrMessageTooLarge = errors.New("fragment exceeds transport message ceiling")

	// ErrNestedPointer is returned when a stored payload is itself a pointer.
	ErrNestedPointer = errors.New("pointer resolves to another pointer")
)

// Sender publishes events as fragments.
type Sender struct {
	publisher message.Publisher
	offloader *Offloader
}

// NewSender creates a Sender. offloader may be nil, in which case payloads
// over the transport ceiling fail with ErrMessageTooLarge.
func NewSender(publisher message.Publisher, offloader *Offloader) *Sender {
	return &Sender{publisher: publisher, offloader: offloader}
}

// Send serializes evt, replaces it with a pointer when it is oversized, and
// publishes its fragments on topic in index order. Escaping can push a full
// fragment past the transport ceiling; such events are offloaded too when an
// object store is configured.
func (s *Sender) Send(ctx context.Context, topic string, evt events.Event) error {
	data, err := jsoncodec.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", evt.Type, err)
	}

	offload := s.offloader.ShouldOffload(len(data))
	var msgs []*message.Message
	if !offload {
		msgs, err = encodeFragments(ctx, data)
		if errors.Is(err, ErrMessageTooLarge) && s.offloader.Enabled() {
			offload = true
		} else if err != nil {
			return err
		}
	}

	if offload {
		ptr, err := s.offloader.Store(ctx, data)
		if err != nil {
			return err
		}
		data, err = jsoncodec.Marshal(events.Event{Type: events.TypePointer, Properties: ptr})
		if err != nil {
			return fmt.Errorf("encoding pointer: %w", err)
		}
		if msgs, err = encodeFragments(ctx, data); err != nil {
			return err
		}
	}

	if err := s.publisher.Publish(topic, msgs...); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	metrics.RecordFragments("sent", len(msgs))
	return nil
}

func encodeFragments(ctx context.Context, data []byte) ([]*message.Message, error) {
	fragments := fragment.Split(string(data))
	msgs := make([]*message.Message, 0, len(fragments))
	for _, f := range fragments {
		payload, err := jsoncodec.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("encoding fragment: %w", err)
		}
		if len(payload) > transport.MaxMessageBytes {
			return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.SetContext(ctx)
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Receiver reassembles fragments into events and resolves pointers.
type Receiver struct {
	decoder   *fragment.Decoder
	offloader *Offloader
}

// NewReceiver creates a Receiver. A nil decoder gets a fresh one with the
// default TTL.
func NewReceiver(decoder *fragment.Decoder, offloader *Offloader) *Receiver {
	if decoder == nil {
		decoder = fragment.NewDecoder()
	}
	return &Receiver{decoder: decoder, offloader: offloader}
}

// Receive consumes one transport payload. It returns complete=false until the
// last fragment of a message arrives.
func (r *Receiver) Receive(ctx context.Context, payload []byte) (evt events.Event, complete bool, err error) {
	var f fragment.Fragment
	if err := jsoncodec.Unmarshal(payload, &f); err != nil {
		metrics.RecordFragmentDropped("malformed")
		return events.Event{}, false, fmt.Errorf("decoding fragment: %w", err)
	}

	data, complete, err := r.decoder.Push(f)
	if err != nil || !complete {
		return events.Event{}, false, err
	}

	evt, err = events.Decode(data)
	if err != nil {
		return events.Event{}, false, err
	}

	if evt.Type != events.TypePointer {
		return evt, true, nil
	}

	ptr, _ := evt.Properties.(events.PointerProperties)
	data, err = r.offloader.Load(ctx, ptr)
	if err != nil {
		return events.Event{}, false, err
	}
	evt, err = events.Decode(data)
	if err != nil {
		return events.Event{}, false, err
	}
	if evt.Type == events.TypePointer {
		return events.Event{}, false, ErrNestedPointer
	}
	return evt, true, nil
}
