package pipeline

import (
	"log/slog"
	"net/http"

	"blogcore/internal/config"
	apierrors "blogcore/internal/errors"
	"blogcore/internal/messaging"
	"blogcore/internal/middleware"
	"blogcore/internal/security"
	"blogcore/internal/session"
)

// Class describes how a stage interacts with the request.
type Class int

const (
	// ObserveOnly stages never alter the request or the response.
	ObserveOnly Class = iota
	// TransformRequest stages rewrite the request before it moves on.
	TransformRequest
	// TransformResponse stages rewrite the final response. They are composed
	// outside every other stage.
	TransformResponse
	// ShortCircuit stages may answer the request themselves.
	ShortCircuit
)

func (c Class) String() string {
	switch c {
	case ObserveOnly:
		return "observe-only"
	case TransformRequest:
		return "transform-request"
	case TransformResponse:
		return "transform-response"
	case ShortCircuit:
		return "short-circuit"
	default:
		return "unknown"
	}
}

// Stage names.
const (
	StageTrace           = "trace"
	StageRequestDecrypt  = "request-decrypt"
	StageException       = "exception"
	StageRateLimit       = "rate-limit"
	StageAudit           = "audit"
	StageRealtime        = "realtime"
	StageSession         = "session"
	StageCORS            = "cors"
	StageRouting         = "routing"
	StageBypassAuth      = "bypass-auth"
	StageAuthentication  = "authentication"
	StageAuthorization   = "authorization"
	StageResponseEncrypt = "response-encrypt"
)

// buildContext is what predicates and constructors read. It is discarded
// once Build returns.
type buildContext struct {
	settings *config.Settings
	strategy security.Strategy
	backends *messaging.Backends
	opts     *options
	logger   *slog.Logger
	prefix   string

	cipher   *security.PayloadCipher
	sessions *session.Store
}

type descriptor struct {
	name     string
	position int
	class    Class
	enabled  func(bc *buildContext) bool
	build    func(bc *buildContext) (middleware.Func, error)
}

func always(*buildContext) bool { return true }

func flag(key string) func(*buildContext) bool {
	return func(bc *buildContext) bool { return bc.settings.Bool(key) }
}

// descriptors is the full stage catalogue in position order.
var descriptors = []descriptor{
	{
		name: StageTrace, position: 5, class: ObserveOnly,
		enabled: always,
		build: func(bc *buildContext) (middleware.Func, error) {
			cfg, err := bc.settings.Server()
			if err != nil {
				return nil, err
			}
			trusted, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
			if err != nil {
				return nil, err
			}
			realIP := middleware.TrustedRealIP(trusted)
			trace := middleware.NewTracer(bc.opts.providers, bc.opts.metrics, bc.logger).Handler
			return func(next http.Handler) http.Handler { return realIP(trace(next)) }, nil
		},
	},
	{
		name: StageRequestDecrypt, position: 10, class: TransformRequest,
		enabled: flag(config.KeyRequestEncryption),
		build: func(bc *buildContext) (middleware.Func, error) {
			return middleware.DecryptRequest(bc.cipher, bc.logger), nil
		},
	},
	{
		name: StageException, position: 20, class: ShortCircuit,
		enabled: always,
		build: func(bc *buildContext) (middleware.Func, error) {
			recoverer := apierrors.NewErrorHandler(bc.logger, false).Middleware
			deadline := middleware.Deadline(bc.settings.Duration(config.KeyRequestTimeout), bc.logger)
			return func(next http.Handler) http.Handler { return recoverer(deadline(next)) }, nil
		},
	},
	{
		name: StageRateLimit, position: 30, class: ShortCircuit,
		enabled: flag(config.KeyRateLimitEnabled),
		build: func(bc *buildContext) (middleware.Func, error) {
			cfg, err := bc.settings.RateLimit()
			if err != nil {
				return nil, err
			}
			return middleware.NewRateLimiter(cfg, bc.logger).Handler, nil
		},
	},
	{
		name: StageAudit, position: 40, class: ObserveOnly,
		enabled: flag(config.KeyAccessLogsEnabled),
		build: func(bc *buildContext) (middleware.Func, error) {
			cfg, err := bc.settings.AccessLogs()
			if err != nil {
				return nil, err
			}
			var pub middleware.Publisher
			if bc.backends != nil {
				pub = bc.backends
			}
			return middleware.Audit(cfg, pub, bc.logger), nil
		},
	},
	{
		name: StageRealtime, position: 50, class: ObserveOnly,
		enabled: func(bc *buildContext) bool {
			return bc.settings.Bool(config.KeyRealtimeEnabled) && bc.opts.notifier != nil
		},
		build: func(bc *buildContext) (middleware.Func, error) {
			return middleware.Realtime(bc.opts.notifier, bc.logger), nil
		},
	},
	{
		name: StageSession, position: 60, class: TransformRequest,
		enabled: always,
		build: func(bc *buildContext) (middleware.Func, error) {
			cfg, err := bc.settings.Session()
			if err != nil {
				return nil, err
			}
			if bc.sessions == nil {
				bc.sessions = session.NewStore(cfg.IdleTimeout, bc.logger)
			}
			return middleware.Session(bc.sessions, cfg, bc.logger), nil
		},
	},
	{
		name: StageCORS, position: 65, class: ShortCircuit,
		enabled: func(bc *buildContext) bool { return bc.settings.String(config.KeyCorsPolicyName) != "" },
		build: func(bc *buildContext) (middleware.Func, error) {
			name, policy, err := bc.settings.CorsPolicy()
			if err != nil {
				return nil, err
			}
			return middleware.CORS(name, policy, bc.logger), nil
		},
	},
	{
		name: StageRouting, position: 70, class: ShortCircuit,
		enabled: always,
		build: func(bc *buildContext) (middleware.Func, error) {
			router, err := middleware.NewRouter(bc.prefix, bc.opts.routes, bc.logger)
			if err != nil {
				return nil, err
			}
			return router.Handler, nil
		},
	},
	{
		name: StageBypassAuth, position: 80, class: TransformRequest,
		enabled: flag(config.KeyUseLoadTest),
		build: func(bc *buildContext) (middleware.Func, error) {
			return middleware.BypassAuth(bc.logger), nil
		},
	},
	{
		name: StageAuthentication, position: 90, class: ShortCircuit,
		enabled: always,
		build: func(bc *buildContext) (middleware.Func, error) {
			return middleware.Authenticate(bc.strategy, bc.opts.metrics, bc.logger), nil
		},
	},
	{
		name: StageAuthorization, position: 100, class: ShortCircuit,
		enabled: always,
		build: func(bc *buildContext) (middleware.Func, error) {
			return middleware.Authorize(bc.logger), nil
		},
	},
	{
		name: StageResponseEncrypt, position: 110, class: TransformResponse,
		enabled: flag(config.KeyResponseEncryption),
		build: func(bc *buildContext) (middleware.Func, error) {
			return middleware.EncryptResponse(bc.cipher, bc.logger), nil
		},
	},
}
