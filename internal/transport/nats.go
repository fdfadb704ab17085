package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/watzon/tether/internal/config"
)

var (
	NATSPublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return wmnats.NewPublisher(cfg, logger)
	}
	NATSSubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return wmnats.NewSubscriber(cfg, logger)
	}
)

// buildNATS connects to core NATS. JetStream is disabled: a relay that is not
// listening has nothing useful to do with a replayed invocation.
func buildNATS(ctx context.Context, cfg config.TransportConfig, opts Options) (Transport, error) {
	if cfg.NATSURL == "" {
		return Transport{}, errors.New("nats_url is required")
	}

	marshaler := &wmnats.NATSMarshaler{}
	natsOptions := []nats.Option{
		nats.Name("tether-" + opts.SubscriberName),
		nats.MaxReconnects(-1),
	}
	jetStream := wmnats.JetStreamConfig{Disabled: true}

	publisher, err := NATSPublisherFactory(wmnats.PublisherConfig{
		URL:         cfg.NATSURL,
		NatsOptions: natsOptions,
		Marshaler:   marshaler,
		JetStream:   jetStream,
	}, opts.Logger)
	if err != nil {
		return Transport{}, err
	}

	subscriber, err := NATSSubscriberFactory(wmnats.SubscriberConfig{
		URL:         cfg.NATSURL,
		NatsOptions: natsOptions,
		Unmarshaler: marshaler,
		JetStream:   jetStream,
	}, opts.Logger)
	if err != nil {
		publisher.Close()
		return Transport{}, err
	}

	return Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Separator:  ".",
	}, nil
}
