package messaging

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"

	"blogcore/internal/config"
)

// Redis is the registered name of the Redis stream backend.
const Redis = "redis"

// RedisClientFactory is overridable for tests.
var RedisClientFactory = func(opts *redis.Options) redis.UniversalClient {
	return redis.NewClient(opts)
}

// NewRedis opens a Redis streams publisher and consumer-group subscriber.
// The client connects lazily, so reachability is checked with PING first.
func NewRedis(ctx context.Context, settings *config.Settings, logger watermill.LoggerAdapter) (*Backend, error) {
	var cfg RedisConfig
	if err := settings.Unmarshal(SectionRedis, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !cfg.Enabled {
		return nil, ErrNotEnabled
	}
	if cfg.Connection == "" {
		return nil, fmt.Errorf("%w: %s.Connection is empty", ErrNotEnabled, SectionRedis)
	}

	timeout := dialTimeout(settings)
	client := RedisClientFactory(&redis.Options{
		Addr:        cfg.Connection,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("creating redis publisher: %w", err)
	}

	subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: cfg.GroupID,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		_ = client.Close()
		return nil, fmt.Errorf("creating redis subscriber: %w", err)
	}

	return &Backend{
		Publisher:  publisher,
		Subscriber: subscriber,
		closers:    []func() error{client.Close},
	}, nil
}
