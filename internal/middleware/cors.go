package middleware

import (
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"blogcore/internal/config"
	apierrors "blogcore/internal/errors"
	"blogcore/internal/infrastructure"
)

var (
	defaultCORSMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	defaultCORSHeaders = []string{"Accept", "Authorization", "Content-Type", RequestIDHeader}
)

// CORS applies the named policy. Preflight requests are answered here;
// a preflight from an origin outside the policy is rejected with 403.
func CORS(name string, policy config.CorsPolicy, logger *slog.Logger) Func {
	logger = infrastructure.WithComponent(logger, "cors").With(slog.String("policy", name))

	methods := policy.Methods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	headers := policy.Headers
	if len(headers) == 0 {
		headers = defaultCORSHeaders
	}
	maxAge := policy.MaxAge
	if maxAge == 0 {
		maxAge = 300
	}
	allowAll := policy.AllowAll || slices.Contains(policy.Origins, "*")

	allowed := func(origin string) bool {
		if allowAll {
			return true
		}
		return slices.ContainsFunc(policy.Origins, func(o string) bool {
			return strings.EqualFold(strings.TrimSuffix(o, "/"), origin)
		})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			ok := allowed(origin)
			if ok {
				if allowAll && !policy.AllowCredentials {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
				}
				if policy.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				h.Set("Access-Control-Expose-Headers", RequestIDHeader)
			}

			if !preflight {
				next.ServeHTTP(w, r)
				return
			}

			if !ok {
				logger.DebugContext(r.Context(), "CORS preflight rejected", slog.String("origin", origin))
				apierrors.WriteError(w, r, apierrors.ErrForbidden.WithDetails("origin not allowed"))
				return
			}

			h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
			h.Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
			h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
