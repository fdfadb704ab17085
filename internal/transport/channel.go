package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/watzon/tether/internal/config"
)

// buildChannel returns an in-process pub/sub. Both relays must share the
// returned Transport, which makes it suitable for tests and the built-in
// invoke endpoint.
func buildChannel(ctx context.Context, cfg config.TransportConfig, opts Options) (Transport, error) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, opts.Logger)
	return Transport{
		Publisher:  pubSub,
		Subscriber: pubSub,
		Separator:  ".",
	}, nil
}
