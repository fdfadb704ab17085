// Command tether-bridge is deployed in place of a function while its stage
// is in live development. Every invocation is relayed to the dev session and
// the local result is returned to the caller.
package main

import (
	"context"
	"os"
	"path"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/bridge"
	"github.com/watzon/tether/internal/config"
	"github.com/watzon/tether/internal/transport"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(config.LoadOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil && cfg.Logging.Level != "" {
		zerolog.SetGlobalLevel(level)
	}

	// The relay outlives single invocations; it is torn down with the container.
	ctx := context.Background()

	offloader, err := bridge.NewOffloader(ctx, cfg.Bridge, cfg.Storage, path.Join(cfg.Transport.Prefix, cfg.App, cfg.Stage))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create pointer store")
	}

	tr, err := transport.New(ctx, cfg.Transport, transport.Options{
		SubscriberName: "bridge",
		Logger:         transport.NewLogger(log.Logger),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect transport")
	}

	relay := bridge.NewCloudRelay(bridge.CloudConfig{
		Transport: tr,
		Topics: transport.Topics{
			Prefix: cfg.Transport.Prefix,
			App:    cfg.App,
			Stage:  cfg.Stage,
		},
		Offloader: offloader,
		Timeout:   cfg.Bridge.Timeout,
	})
	if err := relay.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start relay")
	}

	log.Info().
		Str("worker_id", relay.WorkerID()).
		Str("transport", cfg.Transport.Kind).
		Msg("Bridge ready")

	lambda.Start(bridge.NewLambdaHandler(relay, os.Getenv("TETHER_FUNCTION_ID")).Handle)
}
