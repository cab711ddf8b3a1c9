package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "blogcore/internal/errors"
	"blogcore/internal/infrastructure"
)

// Policy is the authorization requirement attached to a route.
type Policy int

const (
	// PolicyAnonymous admits every caller.
	PolicyAnonymous Policy = iota
	// PolicyAuthenticated requires a resolved identity.
	PolicyAuthenticated
	// PolicyRole requires an identity carrying Route.Role.
	PolicyRole
)

func (p Policy) String() string {
	switch p {
	case PolicyAnonymous:
		return "anonymous"
	case PolicyAuthenticated:
		return "authenticated"
	case PolicyRole:
		return "role"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Route is one endpoint. System routes are mounted at the root; all other
// routes live under the configured prefix.
type Route struct {
	Method  string
	Pattern string
	System  bool
	Policy  Policy
	Role    string
	Handler http.Handler
}

type routeKey struct{}

// RouteFromContext returns the route matched by the routing stage, or nil.
func RouteFromContext(ctx context.Context) *Route {
	rt, _ := ctx.Value(routeKey{}).(*Route)
	return rt
}

// Router resolves the endpoint for a request. It runs before the
// authentication stages so they can consult the matched route's policy.
type Router struct {
	prefix string
	routes []Route
	logger *slog.Logger
}

// NewRouter validates routes and returns the routing stage.
func NewRouter(prefix string, routes []Route, logger *slog.Logger) (*Router, error) {
	for i, rt := range routes {
		switch {
		case rt.Method == "":
			return nil, fmt.Errorf("route %d: method is required", i)
		case !strings.HasPrefix(rt.Pattern, "/"):
			return nil, fmt.Errorf("route %s %q: pattern must start with /", rt.Method, rt.Pattern)
		case rt.Handler == nil:
			return nil, fmt.Errorf("route %s %s: handler is nil", rt.Method, rt.Pattern)
		case rt.Policy == PolicyRole && rt.Role == "":
			return nil, fmt.Errorf("route %s %s: role policy without a role", rt.Method, rt.Pattern)
		}
	}
	return &Router{
		prefix: prefix,
		routes: routes,
		logger: infrastructure.WithComponent(logger, "routing"),
	}, nil
}

// Handler builds the route table in front of next. next runs for every
// matched route with the route stored in the request context.
func (rt *Router) Handler(next http.Handler) http.Handler {
	mux := chi.NewRouter()
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierrors.WriteError(w, r, apierrors.ErrNotFound)
	})
	mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierrors.WriteError(w, r, apierrors.ErrMethodNotAllowed.WithDetails(r.Method))
	})

	register := func(r chi.Router, route *Route) {
		r.Method(route.Method, route.Pattern, rt.endpoint(route, next))
	}

	var scoped []*Route
	for i := range rt.routes {
		route := &rt.routes[i]
		if route.System || rt.prefix == "" {
			register(mux, route)
			continue
		}
		scoped = append(scoped, route)
	}
	if len(scoped) > 0 {
		mux.Route(rt.prefix, func(r chi.Router) {
			for _, route := range scoped {
				register(r, route)
			}
		})
	}

	rt.logger.Debug("route table built",
		slog.String("prefix", rt.prefix),
		slog.Int("routes", len(rt.routes)))
	return mux
}

func (rt *Router) endpoint(route *Route, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, info := ensureRequestInfo(r)
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			info.Route = rctx.RoutePattern()
		} else {
			info.Route = route.Pattern
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), routeKey{}, route)))
	})
}

// Dispatch is the end of the chain: it invokes the matched route's handler.
func Dispatch(w http.ResponseWriter, r *http.Request) {
	route := RouteFromContext(r.Context())
	if route == nil {
		apierrors.WriteError(w, r, apierrors.ErrNotFound)
		return
	}
	route.Handler.ServeHTTP(w, r)
}
