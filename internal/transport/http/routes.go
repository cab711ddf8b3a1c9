package http

import (
	"log/slog"
	"net/http"

	"blogcore/internal/config"
	"blogcore/internal/middleware"
	"blogcore/internal/security"
)

// RouteConfig lists what the endpoints depend on. Publisher, Hub and
// Metrics are optional; their routes are left out when nil.
type RouteConfig struct {
	Strategy  security.Strategy
	Publisher Publisher
	Backends  BackendStates
	Hub       Hub
	Metrics   http.Handler
	LoadTest  bool
	Logger    *slog.Logger
}

// Hub is the realtime endpoint: it serves upgrades and reports counters.
type Hub interface {
	HubStats
	http.Handler
}

// Routes builds the endpoint table and returns the health handler so the
// caller can report the committed stages once the pipeline exists.
func Routes(cfg RouteConfig) ([]middleware.Route, *HealthHandler) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var hubStats HubStats
	if cfg.Hub != nil {
		hubStats = cfg.Hub
	}
	health := NewHealthHandler(cfg.Strategy.Name(), cfg.Backends, hubStats, logger)
	identity := NewIdentityHandler(cfg.Strategy, logger)

	routes := []middleware.Route{
		{Method: http.MethodGet, Pattern: "/healthz", System: true, Handler: http.HandlerFunc(health.Report)},
		{Method: http.MethodGet, Pattern: "/api/health", Handler: http.HandlerFunc(health.Liveness)},
		{Method: http.MethodGet, Pattern: "/api/whoami", Policy: middleware.PolicyAuthenticated, Handler: http.HandlerFunc(identity.WhoAmI)},
	}
	if cfg.Metrics != nil {
		routes = append(routes, middleware.Route{
			Method: http.MethodGet, Pattern: "/metrics", System: true, Handler: cfg.Metrics,
		})
	}
	if cfg.Hub != nil {
		routes = append(routes, middleware.Route{
			Method: http.MethodGet, Pattern: config.RealtimeHubPath, System: true, Handler: cfg.Hub,
		})
	}
	if cfg.Publisher != nil {
		messages := NewMessageHandler(cfg.Publisher, logger)
		routes = append(routes, middleware.Route{
			Method:  http.MethodPost,
			Pattern: "/api/messages/{backend}/{topic}",
			Policy:  middleware.PolicyRole,
			Role:    security.RoleAdmin,
			Handler: http.HandlerFunc(messages.Publish),
		})
	}
	if cfg.LoadTest && cfg.Strategy.Issuer() != nil {
		routes = append(routes, middleware.Route{
			Method: http.MethodPost, Pattern: "/api/login/token", Handler: http.HandlerFunc(identity.IssueToken),
		})
	}
	return routes, health
}
