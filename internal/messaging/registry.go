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
	"golang.org/x/sync/errgroup"

	"blogcore/internal/config"
	apierrors "blogcore/internal/errors"
	"blogcore/internal/infrastructure"
)

var (
	// ErrNotEnabled is returned by a Factory when settings leave its backend off.
	ErrNotEnabled = errors.New("backend not enabled")
	// ErrInvalidConfig is returned by a Factory whose settings section does
	// not decode or validate. Unlike a dial failure it fails the build.
	ErrInvalidConfig = errors.New("invalid backend settings")
)

// Backend is one opened message transport.
type Backend struct {
	Name       string
	Publisher  message.Publisher
	Subscriber message.Subscriber
	closers    []func() error
}

// Close closes the publisher, the subscriber and any extra resources.
func (b *Backend) Close() error {
	var errs []error
	if b.Publisher != nil {
		errs = append(errs, b.Publisher.Close())
	}
	if b.Subscriber != nil && any(b.Subscriber) != any(b.Publisher) {
		errs = append(errs, b.Subscriber.Close())
	}
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Factory opens one backend from settings. It returns ErrNotEnabled when
// the backend is switched off or lacks a connection string, and any other
// error when the backend is configured but cannot be reached.
type Factory func(ctx context.Context, settings *config.Settings, logger watermill.LoggerAdapter) (*Backend, error)

// Registry maps backend names to factories. Registration happens before
// Build; the set of active backends is fixed by Build.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the built-in backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(RabbitMQ, NewRabbitMQ)
	r.Register(Kafka, NewKafka)
	r.Register(Redis, NewRedis)
	r.Register(NATS, NewNATS)
	r.Register(EventBus, NewEventBus)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// BuildOption configures Build.
type BuildOption func(*Backends)

// WithMetrics records publish outcomes.
func WithMetrics(m *infrastructure.BusinessMetrics) BuildOption {
	return func(b *Backends) { b.metrics = m }
}

// Build runs every factory concurrently. A backend that fails to open is
// logged as a warning and marked unavailable; it never fails the build.
// Build returns an error when ctx is done or when a backend's settings are
// invalid.
func (r *Registry) Build(ctx context.Context, settings *config.Settings, logger *slog.Logger, opts ...BuildOption) (*Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "messaging"))
	wlogger := infrastructure.NewWatermillLogger(logger)

	r.mu.RLock()
	factories := make(map[string]Factory, len(r.factories))
	for name, f := range r.factories {
		factories[name] = f
	}
	r.mu.RUnlock()

	type outcome struct {
		backend *Backend
		err     error
	}
	var mu sync.Mutex
	outcomes := make(map[string]outcome, len(factories))

	g, gctx := errgroup.WithContext(ctx)
	for name, factory := range factories {
		g.Go(func() error {
			backend, err := factory(gctx, settings, wlogger)
			if backend != nil {
				backend.Name = name
			}
			mu.Lock()
			outcomes[name] = outcome{backend: backend, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	b := newBackends(logger)
	for _, opt := range opts {
		opt(b)
	}

	closeOpened := func() {
		for _, o := range outcomes {
			if o.err == nil && o.backend != nil {
				_ = o.backend.Close()
			}
		}
	}
	if err := ctx.Err(); err != nil {
		closeOpened()
		return nil, fmt.Errorf("messaging build cancelled: %w", err)
	}

	var invalid []error
	for name, o := range outcomes {
		if errors.Is(o.err, ErrInvalidConfig) {
			invalid = append(invalid, fmt.Errorf("backend %s: %w", name, o.err))
		}
	}
	if len(invalid) > 0 {
		closeOpened()
		return nil, apierrors.NewMessagingError("invalid messaging settings", errors.Join(invalid...))
	}

	for name, o := range outcomes {
		switch {
		case errors.Is(o.err, ErrNotEnabled):
			b.states[name] = StateDisabled
			logger.Debug("backend disabled", slog.String("backend", name), slog.String("reason", o.err.Error()))
		case o.err != nil:
			b.states[name] = StateUnavailable
			b.causes[name] = o.err
			logger.Warn("backend unreachable, marking unavailable",
				slog.String("backend", name),
				slog.String("error", o.err.Error()))
		case o.backend == nil:
			b.states[name] = StateDisabled
		default:
			b.states[name] = StateActive
			b.active[name] = o.backend
			logger.Info("backend active", slog.String("backend", name))
		}
	}
	return b, nil
}
