package cli

import (
	"context"
	"path"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/tether/internal/bridge"
	"github.com/watzon/tether/internal/config"
	"github.com/watzon/tether/internal/transport"
)

// link is the transport side shared by the dev session and invoke.
type link struct {
	transport transport.Transport
	topics    transport.Topics
	offloader *bridge.Offloader
}

func connect(ctx context.Context, cfg *config.Config, subscriber string) (*link, error) {
	offloader, err := bridge.NewOffloader(ctx, cfg.Bridge, cfg.Storage, path.Join(cfg.Transport.Prefix, cfg.App, cfg.Stage))
	if err != nil {
		return nil, err
	}

	tr, err := transport.New(ctx, cfg.Transport, transport.Options{
		SubscriberName: subscriber,
		Logger:         transport.NewLogger(log.Logger),
	})
	if err != nil {
		return nil, err
	}

	return &link{
		transport: tr,
		topics: transport.Topics{
			Prefix:    cfg.Transport.Prefix,
			App:       cfg.App,
			Stage:     cfg.Stage,
			Separator: tr.Separator,
		},
		offloader: offloader,
	}, nil
}

func (l *link) Close() {
	if err := l.transport.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close transport")
	}
}

func contextWithTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, d)
}
