package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blogcore/internal/config"
	apierrors "blogcore/internal/errors"
	"blogcore/internal/shared/testutil"
)

func unreachable(ctx context.Context, settings *config.Settings, logger watermill.LoggerAdapter) (*Backend, error) {
	return nil, errors.New("dial tcp 10.0.0.1:5672: i/o timeout")
}

func disabled(ctx context.Context, settings *config.Settings, logger watermill.LoggerAdapter) (*Backend, error) {
	return nil, ErrNotEnabled
}

func inMemory(ctx context.Context, settings *config.Settings, logger watermill.LoggerAdapter) (*Backend, error) {
	ps := gochannel.NewGoChannel(gochannel.Config{}, logger)
	return &Backend{Publisher: ps, Subscriber: ps}, nil
}

// failingPublisher accepts the connection but rejects every publish.
type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("broker nack") }
func (failingPublisher) Close() error                             { return nil }

func flaky(ctx context.Context, settings *config.Settings, logger watermill.LoggerAdapter) (*Backend, error) {
	return &Backend{Publisher: failingPublisher{}}, nil
}

func buildTestBackends(t *testing.T) *Backends {
	t.Helper()
	r := NewRegistry()
	r.Register("queue", unreachable)
	r.Register("stream", disabled)
	r.Register("bus", inMemory)
	r.Register("flaky", flaky)

	logger, _ := testutil.NewTestLogger(t)
	b, err := r.Build(context.Background(), config.Default(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRegistry_Build(t *testing.T) {
	r := NewRegistry()
	r.Register("queue", unreachable)
	r.Register("stream", disabled)
	r.Register("bus", inMemory)

	logger, logs := testutil.NewTestLogger(t)
	b, err := r.Build(context.Background(), config.Default(), logger)
	require.NoError(t, err, "unreachable backends must not fail the build")
	defer b.Close()

	assert.Equal(t, map[string]State{
		"queue":  StateUnavailable,
		"stream": StateDisabled,
		"bus":    StateActive,
	}, b.States())
	assert.Equal(t, []string{"bus"}, b.Active())
	assert.Equal(t, []string{"bus", "queue", "stream"}, r.Names())
	assert.True(t, r.Has("bus"))
	assert.False(t, r.Has("carrier-pigeon"))

	warnings := logs.MessagesContaining("unreachable")
	require.Len(t, warnings, 1)
	assert.Equal(t, "queue", warnings[0].Attrs["backend"])
}

func TestRegistry_Build_Cancelled(t *testing.T) {
	r := NewRegistry()
	r.Register("bus", inMemory)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logger, _ := testutil.NewTestLogger(t)
	_, err := r.Build(ctx, config.Default(), logger)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistry_Build_InvalidSettings(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]any
		backend string
	}{
		{
			name:    "malformed rabbitmq url",
			values:  map[string]any{"Messaging.RabbitMQ.Enabled": true, "Messaging.RabbitMQ.Connection": "not a url"},
			backend: RabbitMQ,
		},
		{
			name:    "malformed kafka broker",
			values:  map[string]any{"Messaging.Kafka.Enabled": true, "Messaging.Kafka.Brokers": []string{"kafka without port"}},
			backend: Kafka,
		},
		{
			name:    "negative redis db",
			values:  map[string]any{"Messaging.Redis.Enabled": true, "Messaging.Redis.DB": -1},
			backend: Redis,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := testutil.NewTestLogger(t)
			b, err := DefaultRegistry().Build(context.Background(), config.FromMap(tt.values), logger)
			require.Error(t, err)
			assert.Nil(t, b)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), "backend "+tt.backend)

			var appErr *apierrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, apierrors.ErrTypeMessaging, appErr.Type)
			assert.Empty(t, logs.MessagesContaining("unreachable"), "settings errors are not reported as unreachable")
		})
	}
}

func TestRegistry_Build_Idempotent(t *testing.T) {
	r := NewRegistry()
	r.Register("queue", unreachable)
	r.Register("bus", inMemory)
	logger, _ := testutil.NewTestLogger(t)

	first, err := r.Build(context.Background(), config.Default(), logger)
	require.NoError(t, err)
	defer first.Close()
	second, err := r.Build(context.Background(), config.Default(), logger)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, first.States(), second.States())
	assert.Equal(t, first.Active(), second.Active())
}

func TestBackends_Publish(t *testing.T) {
	b := buildTestBackends(t)

	tests := []struct {
		name        string
		backend     string
		wantErr     bool
		retryable   bool
		wantUnknown bool
	}{
		{name: "never enabled is a no-op", backend: "stream"},
		{name: "active succeeds", backend: "bus"},
		{name: "unreachable is retryable", backend: "queue", wantErr: true, retryable: true},
		{name: "publish failure is retryable", backend: "flaky", wantErr: true, retryable: true},
		{name: "unknown name", backend: "carrier-pigeon", wantErr: true, wantUnknown: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Publish(context.Background(), tt.backend, "posts", []byte(`{"id":1}`), nil)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.retryable, errors.Is(err, ErrBackendUnavailable))
			assert.Equal(t, tt.wantUnknown, errors.Is(err, ErrUnknownBackend))

			var re *RetryableError
			if tt.retryable {
				require.ErrorAs(t, err, &re)
				assert.Equal(t, tt.backend, re.Backend)
				assert.True(t, re.Retryable())
			}
		})
	}
}

func TestBackends_Publish_Cancelled(t *testing.T) {
	b := buildTestBackends(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Publish(ctx, "bus", "posts", []byte("x"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackends_SubscribeAndPublish(t *testing.T) {
	b := buildTestBackends(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *message.Message, 1)
	require.NoError(t, b.Subscribe(ctx, "bus", "access-log", func(ctx context.Context, msg *message.Message) error {
		received <- msg
		return nil
	}))

	require.NoError(t, b.Publish(ctx, "bus", "access-log", []byte(`{"path":"/api/health"}`), map[string]string{"source": "test"}))

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"path":"/api/health"}`, string(msg.Payload))
		assert.Equal(t, "test", msg.Metadata.Get("source"))
		assert.NotEmpty(t, msg.UUID)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestBackends_Subscribe_Disabled(t *testing.T) {
	b := buildTestBackends(t)
	err := b.Subscribe(context.Background(), "stream", "t", func(context.Context, *message.Message) error { return nil })
	assert.NoError(t, err)

	err = b.Subscribe(context.Background(), "queue", "t", func(context.Context, *message.Message) error { return nil })
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestBackends_Close(t *testing.T) {
	r := NewRegistry()
	r.Register("bus", inMemory)
	logger, _ := testutil.NewTestLogger(t)
	b, err := r.Build(context.Background(), config.Default(), logger)
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(context.Background(), "bus", "t", func(context.Context, *message.Message) error { return nil }))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), "bus", "t", nil, nil), ErrClosed)
}

func TestBackends_StateUnknown(t *testing.T) {
	b := buildTestBackends(t)
	assert.Equal(t, StateDisabled, b.State("carrier-pigeon"))
	assert.Equal(t, StateUnavailable, b.State("queue"))
}
