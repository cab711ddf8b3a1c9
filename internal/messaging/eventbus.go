package messaging

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"blogcore/internal/config"
)

// EventBus is the registered name of the in-process event bus.
const EventBus = "eventbus"

// NewEventBus opens an in-process pub/sub. It cannot be unreachable.
func NewEventBus(ctx context.Context, settings *config.Settings, logger watermill.LoggerAdapter) (*Backend, error) {
	var cfg EventBusConfig
	if err := settings.Unmarshal(SectionEventBus, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !cfg.Enabled {
		return nil, ErrNotEnabled
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: cfg.Buffer,
	}, logger)
	return &Backend{Publisher: pubSub, Subscriber: pubSub}, nil
}
