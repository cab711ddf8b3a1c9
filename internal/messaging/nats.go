package messaging

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"blogcore/internal/config"
)

// NATS is the registered name of the NATS core backend.
const NATS = "nats"

// Overridable for tests.
var (
	NATSPublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nats.NewPublisher(cfg, logger)
	}
	NATSSubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nats.NewSubscriber(cfg, logger)
	}
)

// NewNATS opens core NATS publisher and subscriber connections with
// JetStream disabled.
func NewNATS(ctx context.Context, settings *config.Settings, logger watermill.LoggerAdapter) (*Backend, error) {
	var cfg NATSConfig
	if err := settings.Unmarshal(SectionNATS, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !cfg.Enabled {
		return nil, ErrNotEnabled
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: %s.URL is empty", ErrNotEnabled, SectionNATS)
	}

	options := []nc.Option{
		nc.Name(config.AppName),
		nc.Timeout(dialTimeout(settings)),
		nc.RetryOnFailedConnect(false),
	}
	marshaler := &nats.NATSMarshaler{}
	jetstream := nats.JetStreamConfig{Disabled: true}

	publisher, err := NATSPublisherFactory(nats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: options,
		Marshaler:   marshaler,
		JetStream:   jetstream,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating nats publisher: %w", err)
	}

	subscriber, err := NATSSubscriberFactory(nats.SubscriberConfig{
		URL:              cfg.URL,
		NatsOptions:      options,
		Unmarshaler:      marshaler,
		QueueGroupPrefix: cfg.QueueGroup,
		JetStream:        jetstream,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("creating nats subscriber: %w", err)
	}

	return &Backend{Publisher: publisher, Subscriber: subscriber}, nil
}
