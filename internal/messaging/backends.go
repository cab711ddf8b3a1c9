package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"blogcore/internal/infrastructure"
)

// State is the boot-time state of a registered backend.
type State string

const (
	StateDisabled    State = "disabled"
	StateActive      State = "active"
	StateUnavailable State = "unavailable"
)

var (
	// ErrBackendUnavailable is matched by every RetryableError.
	ErrBackendUnavailable = errors.New("messaging backend unavailable")
	// ErrUnknownBackend is returned for names no factory was registered for.
	ErrUnknownBackend = errors.New("unknown messaging backend")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("messaging backends closed")
)

// RetryableError reports a transient backend failure. The caller may retry;
// the backend itself is not retried.
type RetryableError struct {
	Backend string
	Err     error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBackendUnavailable) true for any RetryableError.
func (e *RetryableError) Is(target error) bool { return target == ErrBackendUnavailable }

// Retryable marks the error as transient for the HTTP error mapper.
func (e *RetryableError) Retryable() bool { return true }

// Handler processes one delivered message. Returning nil acks it.
type Handler func(ctx context.Context, msg *message.Message) error

// Backends is the active set produced by Registry.Build. The set never
// changes afterwards; only Close mutates it.
type Backends struct {
	states  map[string]State
	causes  map[string]error
	active  map[string]*Backend
	logger  *slog.Logger
	metrics *infrastructure.BusinessMetrics

	mu     sync.RWMutex
	closed bool
	subs   sync.WaitGroup
	cancel []context.CancelFunc
}

func newBackends(logger *slog.Logger) *Backends {
	return &Backends{
		states: make(map[string]State),
		causes: make(map[string]error),
		active: make(map[string]*Backend),
		logger: logger,
	}
}

// State returns the state of name. Unregistered names report disabled.
func (b *Backends) State(name string) State {
	if s, ok := b.states[name]; ok {
		return s
	}
	return StateDisabled
}

// States returns a copy of every registered backend's state.
func (b *Backends) States() map[string]State {
	out := make(map[string]State, len(b.states))
	for k, v := range b.states {
		out[k] = v
	}
	return out
}

// Active returns the active backend names in sorted order.
func (b *Backends) Active() []string {
	names := make([]string, 0, len(b.active))
	for name := range b.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publish sends payload to topic on the named backend.
//
// A backend that was never enabled makes Publish a no-op returning nil. A
// backend that is enabled but unreachable, or whose publish fails, yields a
// *RetryableError. A cancelled ctx returns ctx.Err().
func (b *Backends) Publish(ctx context.Context, name, topic string, payload []byte, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	backend, err := b.lookup(name)
	if err != nil || backend == nil {
		b.record(ctx, name, outcomeOf(err))
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}
	if traceID := infrastructure.GetTraceID(ctx); traceID != "" {
		msg.Metadata.Set("trace_id", traceID)
	}
	msg.SetContext(ctx)

	done := make(chan error, 1)
	go func() { done <- backend.Publisher.Publish(topic, msg) }()

	select {
	case <-ctx.Done():
		b.record(ctx, name, "cancelled")
		return ctx.Err()
	case err := <-done:
		if err != nil {
			b.record(ctx, name, "failed")
			b.logger.WarnContext(ctx, "publish failed",
				slog.String("backend", name),
				slog.String("topic", topic),
				slog.String("error", err.Error()))
			return &RetryableError{Backend: name, Err: err}
		}
		b.record(ctx, name, "ok")
		return nil
	}
}

// Subscribe delivers messages from topic to handler until ctx is done or
// the backends are closed. The same rules as Publish apply to the backend
// name: a never-enabled backend is a no-op. Nacked messages are redelivered
// according to the backend's own semantics.
func (b *Backends) Subscribe(ctx context.Context, name, topic string, handler Handler) error {
	backend, err := b.lookup(name)
	if err != nil || backend == nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	messages, err := backend.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return &RetryableError{Backend: name, Err: err}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return ErrClosed
	}
	b.cancel = append(b.cancel, cancel)
	b.subs.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.subs.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				hctx := ctx
				if traceID := msg.Metadata.Get("trace_id"); traceID != "" {
					hctx = infrastructure.WithTraceID(ctx, traceID)
				}
				if err := handler(hctx, msg); err != nil {
					b.logger.WarnContext(ctx, "message handler failed",
						slog.String("backend", name),
						slog.String("topic", topic),
						slog.String("message_uuid", msg.UUID),
						slog.String("error", err.Error()))
					msg.Nack()
					continue
				}
				msg.Ack()
			}
		}
	}()
	return nil
}

// lookup returns the active backend, nil for a disabled one, or an error.
func (b *Backends) lookup(name string) (*Backend, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	switch b.states[name] {
	case StateActive:
		return b.active[name], nil
	case StateUnavailable:
		return nil, &RetryableError{Backend: name, Err: fmt.Errorf("%w: %v", ErrBackendUnavailable, b.causes[name])}
	case StateDisabled:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "noop"
	case errors.Is(err, ErrBackendUnavailable):
		return "unavailable"
	default:
		return "rejected"
	}
}

func (b *Backends) record(ctx context.Context, name, outcome string) {
	if b.metrics == nil || b.metrics.BackendPublishes == nil {
		return
	}
	b.metrics.BackendPublishes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", name),
		attribute.String("outcome", outcome),
	))
}

// Close stops subscriptions and closes every active backend.
func (b *Backends) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	b.subs.Wait()

	var errs []error
	for name, backend := range b.active {
		if err := backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
