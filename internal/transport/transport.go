// Package transport builds the watermill publisher/subscriber pair that links
// the cloud relay with the local one.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/watzon/tether/internal/config"
)

// MaxMessageBytes is the ceiling of a single transport message.
const MaxMessageBytes = 128 * 1024

var ErrUnknownTransport = errors.New("unknown transport")

// Transport is a connected publisher/subscriber pair.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// Separator joins topic segments. Backends disagree on what characters a
	// topic may contain.
	Separator string
}

// Close closes both halves. A shared pub/sub is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

// Options carries per-process settings shared by all builders.
type Options struct {
	// SubscriberName distinguishes consumers that need their own queue, such
	// as the SQS queue created per subscriber.
	SubscriberName string
	Logger         watermill.LoggerAdapter
}

// Builder creates a Transport for one backend.
type Builder func(ctx context.Context, cfg config.TransportConfig, opts Options) (Transport, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Builder{
		"channel": buildChannel,
		"nats":    buildNATS,
		"aws":     buildAWS,
	}
)

// Register adds or replaces a builder.
func Register(name string, builder Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = builder
}

// Names lists the registered backends.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the backend named by cfg.Kind.
func New(ctx context.Context, cfg config.TransportConfig, opts Options) (Transport, error) {
	registryMu.RLock()
	builder, ok := registry[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("%w: %q (available: %s)", ErrUnknownTransport, cfg.Kind, strings.Join(Names(), ", "))
	}

	if opts.Logger == nil {
		opts.Logger = watermill.NopLogger{}
	}
	if opts.SubscriberName == "" {
		opts.SubscriberName = "tether"
	}

	t, err := builder(ctx, cfg, opts)
	if err != nil {
		return Transport{}, fmt.Errorf("building %s transport: %w", cfg.Kind, err)
	}
	if t.Separator == "" {
		t.Separator = "."
	}
	return t, nil
}
