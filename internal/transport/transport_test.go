package transport

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/watzon/tether/internal/config"
)

func TestTopics(t *testing.T) {
	tests := []struct {
		name   string
		topics Topics
		events string
		worker string
	}{
		{
			name:   "dot separated",
			topics: Topics{Prefix: "tether", App: "shop", Stage: "dev", Separator: "."},
			events: "tether.shop.dev.events",
			worker: "tether.shop.dev.events.abc",
		},
		{
			name:   "dash separated",
			topics: Topics{Prefix: "tether", App: "shop", Stage: "dev", Separator: "-"},
			events: "tether-shop-dev-events",
			worker: "tether-shop-dev-events-abc",
		},
		{
			name:   "prefix slashes trimmed",
			topics: Topics{Prefix: "/tether/", App: "shop", Stage: "dev"},
			events: "tether.shop.dev.events",
			worker: "tether.shop.dev.events.abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.events, tt.topics.Events())
			require.Equal(t, tt.worker, tt.topics.Worker("abc"))
		})
	}
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(context.Background(), config.TransportConfig{Kind: "smoke-signals"}, Options{})
	require.ErrorIs(t, err, ErrUnknownTransport)
}

func TestChannelTransport_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, err := New(ctx, config.TransportConfig{Kind: "channel"}, Options{Logger: NewLogger(zerolog.Nop())})
	require.NoError(t, err)
	defer tr.Close()
	require.Equal(t, ".", tr.Separator)

	messages, err := tr.Subscriber.Subscribe(ctx, "tether.shop.dev.events")
	require.NoError(t, err)

	require.NoError(t, tr.Publisher.Publish("tether.shop.dev.events", message.NewMessage(watermill.NewUUID(), []byte(`{"id":"a"}`))))

	select {
	case msg := <-messages:
		require.JSONEq(t, `{"id":"a"}`, string(msg.Payload))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRegister_OverridesBuilder(t *testing.T) {
	called := false
	Register("test-fake", func(ctx context.Context, cfg config.TransportConfig, opts Options) (Transport, error) {
		called = true
		require.Equal(t, "tether", opts.SubscriberName)
		require.NotNil(t, opts.Logger)
		return Transport{}, nil
	})

	tr, err := New(context.Background(), config.TransportConfig{Kind: "test-fake"}, Options{})
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, ".", tr.Separator)
	require.Contains(t, Names(), "test-fake")
}

func TestQueueNameGenerator(t *testing.T) {
	gen := queueNameGenerator("local")
	name, err := gen(context.Background(), sns.TopicArn("arn:aws:sns:us-east-1:000000000000:tether-shop-dev-events"))
	require.NoError(t, err)
	require.Equal(t, "tether-shop-dev-events-local", name)
}

func TestLoggerAdapter(t *testing.T) {
	logger := NewLogger(zerolog.Nop()).With(watermill.LogFields{"topic": "x"})
	require.NotPanics(t, func() {
		logger.Info("info", watermill.LogFields{"a": 1})
		logger.Debug("debug", nil)
		logger.Trace("trace", nil)
		logger.Error("error", nil, watermill.LogFields{})
	})
}
