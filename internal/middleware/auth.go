package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apierrors "blogcore/internal/errors"
	"blogcore/internal/infrastructure"
	"blogcore/internal/security"
)

// Load-test identity headers honoured by BypassAuth.
const (
	LoadTestUserHeader  = "X-Load-Test-User"
	LoadTestRolesHeader = "X-Load-Test-Roles"

	defaultLoadTestSubject = "load-test"
)

// BypassAuth injects a synthetic identity into requests that carry no
// Authorization header. Requests with credentials still go through the
// real verifier.
func BypassAuth(logger *slog.Logger) Func {
	logger = infrastructure.WithComponent(logger, "bypass-auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				next.ServeHTTP(w, r)
				return
			}

			subject := strings.TrimSpace(r.Header.Get(LoadTestUserHeader))
			if subject == "" {
				subject = defaultLoadTestSubject
			}
			var roles []string
			for _, role := range strings.Split(r.Header.Get(LoadTestRolesHeader), ",") {
				if role = strings.TrimSpace(role); role != "" {
					roles = append(roles, role)
				}
			}

			id := &security.Identity{Subject: subject, Name: subject, Roles: roles, Bypass: true}
			logger.DebugContext(r.Context(), "load-test identity injected",
				slog.String("subject", subject),
				slog.Any("roles", roles))
			next.ServeHTTP(w, r.WithContext(security.WithIdentity(r.Context(), id)))
		})
	}
}

// Authenticate resolves the caller identity with the selected strategy.
// Requests without credentials continue anonymously; Authorize decides
// whether the route admits them. Rejected credentials end the request
// with 401.
func Authenticate(strategy security.Strategy, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) Func {
	logger = infrastructure.WithComponent(logger, "authentication").
		With(slog.String("strategy", strategy.Name()))
	verifier := strategy.Verifier()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id := security.IdentityFromContext(ctx); id != nil && id.Bypass {
				setSubject(r, id.Subject)
				next.ServeHTTP(w, r)
				return
			}

			id, err := verifier.Verify(ctx, r)
			if errors.Is(err, security.ErrNoCredentials) {
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				if metrics != nil {
					metrics.AuthFailures.Add(ctx, 1,
						metric.WithAttributes(attribute.String("strategy", strategy.Name())))
				}
				logger.InfoContext(ctx, "credentials rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()))
				apierrors.WriteError(w, r, apierrors.Unauthorized(err))
				return
			}

			setSubject(r, id.Subject)
			next.ServeHTTP(w, r.WithContext(security.WithIdentity(ctx, id)))
		})
	}
}

func setSubject(r *http.Request, subject string) {
	if info := RequestInfoFromContext(r.Context()); info != nil {
		info.Subject = subject
	}
}

// Authorize enforces the policy of the route matched by the routing stage.
func Authorize(logger *slog.Logger) Func {
	logger = infrastructure.WithComponent(logger, "authorization")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := RouteFromContext(r.Context())
			if route == nil || route.Policy == PolicyAnonymous {
				next.ServeHTTP(w, r)
				return
			}

			id := security.IdentityFromContext(r.Context())
			if id == nil {
				apierrors.WriteError(w, r, apierrors.ErrUnauthorized)
				return
			}
			if route.Policy == PolicyRole && !id.HasRole(route.Role) {
				logger.InfoContext(r.Context(), "role requirement not met",
					slog.String("subject", id.Subject),
					slog.String("role", route.Role),
					slog.String("path", r.URL.Path))
				apierrors.WriteError(w, r, apierrors.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
