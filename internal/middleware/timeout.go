package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "blogcore/internal/errors"
	"blogcore/internal/infrastructure"
)

// Deadline bounds every request by timeout, the way chi's Timeout does:
// the context is cancelled and, if nothing was written yet, the caller
// gets a TIMEOUT problem. Handlers must watch ctx.Done() for this to cut
// work short. WebSocket upgrades are long-lived and pass through untouched.
// A non-positive timeout disables the stage.
func Deadline(timeout time.Duration, logger *slog.Logger) Func {
	logger = infrastructure.WithComponent(logger, "deadline")
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			if !errors.Is(ctx.Err(), context.DeadlineExceeded) || ww.Status() != 0 {
				return
			}
			logger.WarnContext(r.Context(), "request deadline exceeded",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("timeout", timeout))
			apierrors.WriteError(w, r, apierrors.ErrTimeout)
		})
	}
}
