package messaging

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"blogcore/internal/config"
)

// RabbitMQ is the registered name of the AMQP backend.
const RabbitMQ = "rabbitmq"

// Overridable for tests.
var (
	AmqpConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	AmqpPublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	AmqpSubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
		return amqp.NewSubscriberWithConnection(cfg, logger, conn)
	}
)

// NewRabbitMQ opens durable pub/sub over one shared AMQP connection. The
// connection reconnects on its own once established.
func NewRabbitMQ(ctx context.Context, settings *config.Settings, logger watermill.LoggerAdapter) (*Backend, error) {
	var cfg RabbitMQConfig
	if err := settings.Unmarshal(SectionRabbitMQ, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !cfg.Enabled {
		return nil, ErrNotEnabled
	}
	if cfg.Connection == "" {
		return nil, fmt.Errorf("%w: %s.Connection is empty", ErrNotEnabled, SectionRabbitMQ)
	}

	suffix := cfg.QueueSuffix
	if suffix == "" {
		suffix = "-" + config.AppName
	}
	amqpConfig := amqp.NewDurablePubSubConfig(cfg.Connection, amqp.GenerateQueueNameTopicNameWithSuffix(suffix))

	conn, err := AmqpConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   cfg.Connection,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}

	publisher, err := AmqpPublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("creating rabbitmq publisher: %w", err)
	}
	subscriber, err := AmqpSubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("creating rabbitmq subscriber: %w", err)
	}

	return &Backend{
		Publisher:  publisher,
		Subscriber: subscriber,
		closers:    []func() error{conn.Close},
	}, nil
}
