// Package messaging registers optional message transports and opens the
// enabled ones once at boot.
//
// Built-in backends are rabbitmq (watermill-amqp), kafka (watermill-kafka),
// redis (watermill-redisstream), nats (watermill-nats) and eventbus (an
// in-process gochannel). Each factory reads its own Messaging.* section and
// decides whether to activate. Registry.Build opens them concurrently; a
// backend that cannot be reached is marked unavailable and reported as a
// warning.
//
// Callers publish by backend name through Backends. The request path never
// needs to know which backends are active:
//
//	err := backends.Publish(ctx, messaging.EventBus, "access-log", payload, nil)
//	if errors.Is(err, messaging.ErrBackendUnavailable) {
//		// retryable
//	}
package messaging
