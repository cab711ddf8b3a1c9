package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"blogcore/internal/config"
	apierrors "blogcore/internal/errors"
	"blogcore/internal/infrastructure"
	"blogcore/internal/messaging"
	"blogcore/internal/middleware"
	"blogcore/internal/security"
	"blogcore/internal/session"
	"blogcore/internal/websocket"
)

type options struct {
	logger    *slog.Logger
	notifier  websocket.Notifier
	sessions  *session.Store
	routes    []middleware.Route
	providers *infrastructure.OTelProviders
	metrics   *infrastructure.BusinessMetrics
	observer  func(stage string)
}

// Option configures Build.
type Option func(*options)

// WithLogger sets the logger handed to every stage.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithNotifier wires the realtime hub. Without it the realtime stage is
// not committed.
func WithNotifier(n websocket.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithSessions sets the session store. A store is created from
// Middleware.Session when none is given.
func WithSessions(store *session.Store) Option {
	return func(o *options) { o.sessions = store }
}

// WithRoutes sets the endpoints resolved by the routing stage.
func WithRoutes(routes []middleware.Route) Option {
	return func(o *options) { o.routes = routes }
}

// WithTelemetry sets the tracer provider and instruments. Either may be nil.
func WithTelemetry(providers *infrastructure.OTelProviders, metrics *infrastructure.BusinessMetrics) Option {
	return func(o *options) {
		o.providers = providers
		o.metrics = metrics
	}
}

// WithObserver registers fn to be called with the stage name whenever a
// stage answers a request without calling the next stage.
func WithObserver(fn func(stage string)) Option {
	return func(o *options) { o.observer = fn }
}

// Pipeline is the committed, immutable stage chain. It is safe for
// concurrent use.
type Pipeline struct {
	handler  http.Handler
	stages   []string
	strategy security.Strategy
	sessions *session.Store
}

// Build validates the settings, evaluates every stage predicate once and
// composes the committed stages. Every error it returns is boot-fatal.
func Build(strategy security.Strategy, backends *messaging.Backends, settings *config.Settings, opts ...Option) (*Pipeline, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	logger := infrastructure.WithComponent(o.logger, "pipeline")

	bc := &buildContext{
		settings: settings,
		strategy: strategy,
		backends: backends,
		opts:     o,
		logger:   o.logger,
		sessions: o.sessions,
	}
	if err := bc.validate(); err != nil {
		return nil, err
	}

	committed := make([]descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if d.enabled(bc) {
			committed = append(committed, d)
		}
	}
	slices.SortStableFunc(committed, func(a, b descriptor) int { return a.position - b.position })

	built := make([]middleware.Func, len(committed))
	names := make([]string, len(committed))
	for i, d := range committed {
		fn, err := d.build(bc)
		if err != nil {
			return nil, apierrors.NewPipelineError(fmt.Sprintf("cannot build stage %s", d.name), err)
		}
		built[i] = fn
		names[i] = d.name
	}

	h := compose(committed, built, http.HandlerFunc(middleware.Dispatch), o, logger)

	logger.Info("pipeline built",
		slog.String("strategy", strategy.Name()),
		slog.Any("stages", names))

	return &Pipeline{
		handler:  h,
		stages:   names,
		strategy: strategy,
		sessions: bc.sessions,
	}, nil
}

// compose wraps terminal so committed stages run in position order and
// unwind in reverse. TransformResponse stages sit outside all the others
// so they see the final response, whoever produced it.
func compose(committed []descriptor, built []middleware.Func, terminal http.Handler, o *options, logger *slog.Logger) http.Handler {
	h := terminal
	for i := len(committed) - 1; i >= 0; i-- {
		if committed[i].class == TransformResponse {
			continue
		}
		h = instrument(committed[i].name, built[i], o, logger)(h)
	}
	for i := len(committed) - 1; i >= 0; i-- {
		if committed[i].class == TransformResponse {
			h = built[i](h)
		}
	}
	return h
}

func (bc *buildContext) validate() error {
	kind, err := security.Resolve(bc.settings)
	if err != nil {
		return apierrors.NewPipelineError("conflicting authentication strategies", err)
	}
	if kind != bc.strategy.Kind() {
		return apierrors.NewPipelineError("authentication strategy does not match settings",
			fmt.Errorf("settings select %s, got %s", kind, bc.strategy.Name()))
	}
	if bc.strategy.Verifier() == nil {
		return apierrors.NewPipelineError("authentication strategy has no verifier", nil)
	}

	prefix, err := bc.settings.RoutePrefix()
	if err != nil {
		return apierrors.NewPipelineError("invalid route prefix", err)
	}
	bc.prefix = prefix

	if bc.settings.Bool(config.KeyUseLoadTest) && bc.settings.IsProduction() {
		return apierrors.NewPipelineError("load-test mode is not allowed in production",
			fmt.Errorf("%s is true and %s is %s", config.KeyUseLoadTest, config.KeyEnvironment, bc.settings.Environment()))
	}

	if bc.settings.Bool(config.KeyRequestEncryption) || bc.settings.Bool(config.KeyResponseEncryption) {
		cipher, err := security.NewPayloadCipher(bc.settings.String(config.KeyEncryptionSecret))
		if err != nil {
			return apierrors.NewPipelineError("invalid payload encryption settings", err)
		}
		bc.cipher = cipher
	}
	return nil
}

// ServeHTTP runs the request through the committed stages.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

// Stages returns the committed stage names in execution order.
func (p *Pipeline) Stages() []string {
	return slices.Clone(p.stages)
}

// Strategy returns the authentication strategy the pipeline was built with.
func (p *Pipeline) Strategy() security.Strategy {
	return p.strategy
}

// Sessions returns the store used by the session stage.
func (p *Pipeline) Sessions() *session.Store {
	return p.sessions
}

type reachedKey struct{ stage string }

// instrument reports requests that stage answered without calling next.
func instrument(stage string, fn middleware.Func, o *options, logger *slog.Logger) middleware.Func {
	return func(next http.Handler) http.Handler {
		inner := fn(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if reached, ok := r.Context().Value(reachedKey{stage}).(*bool); ok {
				*reached = true
			}
			next.ServeHTTP(w, r)
		}))

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reached := new(bool)
			r = r.WithContext(context.WithValue(r.Context(), reachedKey{stage}, reached))
			inner.ServeHTTP(w, r)
			if *reached {
				return
			}

			ctx := r.Context()
			if o.metrics != nil {
				o.metrics.StageShortCircuits.Add(ctx, 1,
					metric.WithAttributes(attribute.String("stage", stage)))
			}
			logger.DebugContext(ctx, "request answered by stage",
				slog.String("stage", stage),
				slog.String("path", r.URL.Path))
			if o.observer != nil {
				o.observer(stage)
			}
		})
	}
}
