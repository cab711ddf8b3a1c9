package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"blogcore/internal/config"
	apierrors "blogcore/internal/errors"
)

// Kind identifies one of the mutually exclusive authentication strategies.
type Kind int

const (
	// TokenAuth verifies HS256 tokens signed with Audience.Secret.
	TokenAuth Kind = iota
	// FederatedA verifies tokens issued by Startup.IdentityServer.
	FederatedA
	// FederatedB verifies tokens issued by Startup.FederatedB (or the
	// legacy Startup.Authing section).
	FederatedB
)

// String returns the strategy name used in logs and health output.
func (k Kind) String() string {
	switch k {
	case TokenAuth:
		return "token"
	case FederatedA:
		return "federated-a"
	case FederatedB:
		return "federated-b"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrConflictingStrategies is returned when more than one federated provider
// is enabled.
var ErrConflictingStrategies = errors.New("conflicting authentication strategies enabled")

// Verifier checks the credentials carried by a request.
//
// It returns ErrNoCredentials when the request carries none, and an error
// wrapping ErrInvalidCredentials when they are present but rejected.
type Verifier interface {
	Verify(ctx context.Context, r *http.Request) (*Identity, error)
}

// Strategy is the authentication strategy selected at boot. It is a value:
// copies share the same verifier and never change after Select returns.
type Strategy struct {
	kind     Kind
	verifier Verifier
	issuer   *TokenVerifier
}

// Kind returns the active strategy.
func (s Strategy) Kind() Kind { return s.kind }

// Name returns the strategy name.
func (s Strategy) Name() string { return s.kind.String() }

// Verifier returns the verifier of the active strategy.
func (s Strategy) Verifier() Verifier { return s.verifier }

// Issuer returns the token minter. It is nil unless the strategy is TokenAuth.
func (s Strategy) Issuer() *TokenVerifier { return s.issuer }

// Resolve decides which strategy the settings ask for. FederatedA wins over
// FederatedB, and TokenAuth is used when neither is enabled. Enabling both
// federated providers is an error rather than a silent pick.
func Resolve(settings *config.Settings) (Kind, error) {
	a := settings.Bool(config.KeyIdentityServerEnabled)
	b := settings.Bool(config.KeyFederatedBEnabled) || settings.Bool(config.KeyAuthingEnabled)

	switch {
	case a && b:
		return TokenAuth, fmt.Errorf("%w: %s and %s", ErrConflictingStrategies,
			config.KeyIdentityServerEnabled, config.KeyFederatedBEnabled)
	case a:
		return FederatedA, nil
	case b:
		return FederatedB, nil
	default:
		return TokenAuth, nil
	}
}

type options struct {
	logger     *slog.Logger
	httpClient *http.Client
}

// Option configures Select.
type Option func(*options)

// WithLogger sets the logger used by verifiers.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPClient sets the client used to fetch signing keys.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// Select resolves the strategy and builds its verifier. Every error it
// returns is boot-fatal.
func Select(settings *config.Settings, opts ...Option) (Strategy, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	kind, err := Resolve(settings)
	if err != nil {
		return Strategy{}, apierrors.NewSecurityError("cannot select authentication strategy", err)
	}

	logger := o.logger.With(slog.String("component", "security"), slog.String("strategy", kind.String()))

	switch kind {
	case FederatedA, FederatedB:
		cfg, err := settings.Federated(federatedSection(settings, kind))
		if err != nil {
			return Strategy{}, apierrors.NewSecurityError("invalid federated provider settings", err)
		}
		verifier := NewFederatedVerifier(kind, cfg, o.httpClient, logger)
		logger.Info("authentication strategy selected",
			slog.String("authority", cfg.Authority),
			slog.String("jwks", cfg.JWKSEndpoint()))
		return Strategy{kind: kind, verifier: verifier}, nil
	default:
		cfg, err := settings.Audience()
		if err != nil {
			return Strategy{}, apierrors.NewSecurityError("invalid audience settings", err)
		}
		verifier, err := NewTokenVerifier(cfg, logger)
		if err != nil {
			return Strategy{}, apierrors.NewSecurityError("cannot build token verifier", err)
		}
		logger.Info("authentication strategy selected", slog.String("issuer", cfg.Issuer))
		return Strategy{kind: kind, verifier: verifier, issuer: verifier}, nil
	}
}

func federatedSection(settings *config.Settings, kind Kind) string {
	if kind == FederatedA {
		return config.SectionIdentityServer
	}
	if !settings.Bool(config.KeyFederatedBEnabled) && settings.Bool(config.KeyAuthingEnabled) {
		return config.SectionAuthing
	}
	return config.SectionFederatedB
}
