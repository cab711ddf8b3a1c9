package middleware

import (
	"log/slog"
	"net/http"

	"blogcore/internal/config"
	"blogcore/internal/infrastructure"
	"blogcore/internal/session"
)

// Session loads the session named by the cookie, creating one when the
// cookie is missing or expired, and releases it when the request returns.
func Session(store *session.Store, cfg config.SessionConfig, logger *slog.Logger) Func {
	logger = infrastructure.WithComponent(logger, "session")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var sess *session.Session
			if c, err := r.Cookie(cfg.CookieName); err == nil {
				sess, _ = store.Load(c.Value)
			}
			if sess == nil {
				sess = store.Create()
				http.SetCookie(w, &http.Cookie{
					Name:     cfg.CookieName,
					Value:    sess.ID(),
					Path:     "/",
					HttpOnly: true,
					Secure:   r.TLS != nil,
					SameSite: http.SameSiteLaxMode,
					MaxAge:   int(cfg.IdleTimeout.Seconds()),
				})
				logger.DebugContext(r.Context(), "session created", slog.String("session_id", sess.ID()))
			}
			defer store.Release(sess)

			next.ServeHTTP(w, r.WithContext(session.WithSession(r.Context(), sess)))
		})
	}
}
