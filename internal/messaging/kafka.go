package messaging

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"blogcore/internal/config"
)

// Kafka is the registered name of the stream broker backend.
const Kafka = "kafka"

// Overridable for tests.
var (
	KafkaPublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	KafkaSubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return kafka.NewSubscriber(cfg, logger)
	}
)

// NewKafka opens a sync producer and a consumer-group subscriber. Creating
// the producer contacts the brokers, so an unreachable cluster fails here.
func NewKafka(ctx context.Context, settings *config.Settings, logger watermill.LoggerAdapter) (*Backend, error) {
	var cfg KafkaConfig
	if err := settings.Unmarshal(SectionKafka, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !cfg.Enabled {
		return nil, ErrNotEnabled
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: %s.Brokers is empty", ErrNotEnabled, SectionKafka)
	}

	timeout := dialTimeout(settings)
	saramaPub := kafka.DefaultSaramaSyncPublisherConfig()
	saramaPub.Net.DialTimeout = timeout
	saramaPub.Metadata.Retry.Max = 1

	publisher, err := KafkaPublisherFactory(kafka.PublisherConfig{
		Brokers:               cfg.Brokers,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: saramaPub,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating kafka publisher: %w", err)
	}

	saramaSub := kafka.DefaultSaramaSubscriberConfig()
	saramaSub.Net.DialTimeout = timeout

	subscriber, err := KafkaSubscriberFactory(kafka.SubscriberConfig{
		Brokers:               cfg.Brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		ConsumerGroup:         cfg.GroupID,
		OverwriteSaramaConfig: saramaSub,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("creating kafka subscriber: %w", err)
	}

	return &Backend{Publisher: publisher, Subscriber: subscriber}, nil
}
