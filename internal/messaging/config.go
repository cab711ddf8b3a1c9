package messaging

import (
	"time"

	"blogcore/internal/config"
)

// Settings sections read by the built-in factories.
const (
	SectionRabbitMQ = config.SectionMessaging + ".RabbitMQ"
	SectionKafka    = config.SectionMessaging + ".Kafka"
	SectionRedis    = config.SectionMessaging + ".Redis"
	SectionNATS     = config.SectionMessaging + ".NATS"
	SectionEventBus = config.SectionMessaging + ".EventBus"

	keyDialTimeout = config.SectionMessaging + ".DialTimeout"
)

// RabbitMQConfig configures the point-to-point broker.
type RabbitMQConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Connection  string `koanf:"connection" validate:"omitempty,url"`
	QueueSuffix string `koanf:"queuesuffix"`
}

// KafkaConfig configures the stream broker.
type KafkaConfig struct {
	Enabled bool     `koanf:"enabled"`
	Brokers []string `koanf:"brokers" validate:"dive,hostname_port"`
	GroupID string   `koanf:"groupid"`
}

// RedisConfig configures the Redis stream queue.
type RedisConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Connection string `koanf:"connection" validate:"omitempty,hostname_port"`
	Password   string `koanf:"password"`
	DB         int    `koanf:"db" validate:"min=0"`
	GroupID    string `koanf:"groupid"`
}

// NATSConfig configures the NATS core backend.
type NATSConfig struct {
	Enabled    bool   `koanf:"enabled"`
	URL        string `koanf:"url" validate:"omitempty,url"`
	QueueGroup string `koanf:"queuegroup"`
}

// EventBusConfig configures the in-process event bus.
type EventBusConfig struct {
	Enabled bool  `koanf:"enabled"`
	Buffer  int64 `koanf:"buffer" validate:"min=0"`
}

func dialTimeout(settings *config.Settings) time.Duration {
	if d := settings.Duration(keyDialTimeout); d > 0 {
		return d
	}
	return 5 * time.Second
}
