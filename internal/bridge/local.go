package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/events"
	"github.com/watzon/tether/internal/fragment"
	"github.com/watzon/tether/internal/metrics"
	"github.com/watzon/tether/internal/transport"
)

// LocalConfig configures a LocalRelay.
type LocalConfig struct {
	Transport transport.Transport
	Topics    transport.Topics
	Bus       *events.Bus
	Offloader *Offloader
	Decoder   *fragment.Decoder

	// QueueSize bounds results waiting to be published. Zero means 256.
	QueueSize int
}

type outbound struct {
	topic string
	evt   events.Event
}

// LocalRelay runs in the developer's session. It republishes invocations
// from the cloud on the bus and sends acks and results back to the worker
// topic they belong to.
type LocalRelay struct {
	cfg      LocalConfig
	sender   *Sender
	receiver *Receiver

	queue chan outbound
	done  chan struct{}
	subs  []*events.Subscription
	wg    sync.WaitGroup
	once  sync.Once
}

// NewLocalRelay creates a relay. Nothing is received or sent until Start.
func NewLocalRelay(cfg LocalConfig) *LocalRelay {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	cfg.Topics.Separator = cfg.Transport.Separator

	return &LocalRelay{
		cfg:      cfg,
		sender:   NewSender(cfg.Transport.Publisher, cfg.Offloader),
		receiver: NewReceiver(cfg.Decoder, cfg.Offloader),
		queue:    make(chan outbound, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the events topic and to the bus. It returns once the
// subscriptions are in place; work continues until ctx is cancelled.
func (r *LocalRelay) Start(ctx context.Context) error {
	topic := r.cfg.Topics.Events()
	messages, err := r.cfg.Transport.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	for _, t := range []events.Type{events.TypeFunctionAck, events.TypeFunctionSuccess, events.TypeFunctionError} {
		r.subs = append(r.subs, r.cfg.Bus.Subscribe(t, r.enqueue))
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		for msg := range messages {
			r.handle(ctx, msg.Payload)
			msg.Ack()
		}
	}()
	go func() {
		defer r.wg.Done()
		r.forward(ctx)
	}()

	log.Info().Str("topic", topic).Msg("Listening for cloud invocations")
	return nil
}

// Wait blocks until both loops have stopped.
func (r *LocalRelay) Wait() {
	r.wg.Wait()
}

// Close removes the bus subscriptions. Results produced afterwards are dropped.
func (r *LocalRelay) Close() {
	r.once.Do(func() {
		for _, sub := range r.subs {
			sub.Unsubscribe()
		}
		close(r.done)
	})
}

func (r *LocalRelay) handle(ctx context.Context, payload []byte) {
	evt, complete, err := r.receiver.Receive(ctx, payload)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping malformed message from cloud")
		return
	}
	if !complete {
		return
	}
	if evt.Type != events.TypeFunctionInvoked {
		log.Warn().Str("type", string(evt.Type)).Msg("Ignoring unexpected event from cloud")
		return
	}
	r.cfg.Bus.PublishEvent(evt)
}

// enqueue runs inside bus dispatch and never blocks. When the queue is full
// the result is dropped and the cloud side falls back to its timeout.
func (r *LocalRelay) enqueue(evt events.Event) {
	workerID := evt.WorkerID()
	if workerID == "" {
		log.Warn().Str("type", string(evt.Type)).Msg("Result has no worker, not forwarding")
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.queue <- outbound{topic: r.cfg.Topics.Worker(workerID), evt: evt}:
	default:
		metrics.RecordResultDropped(string(evt.Type))
		log.Warn().
			Str("type", string(evt.Type)).
			Str("worker", workerID).
			Str("request", evt.RequestID()).
			Int("queue_size", cap(r.queue)).
			Msg("Send queue full, dropping result")
	}
}

// forward publishes queued results in the order they were produced.
func (r *LocalRelay) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case out := <-r.queue:
			if err := r.sender.Send(ctx, out.topic, out.evt); err != nil {
				log.Error().Err(err).
					Str("type", string(out.evt.Type)).
					Str("topic", out.topic).
					Msg("Failed to forward result to cloud")
			}
		}
	}
}
