package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"blogcore/internal/infrastructure"
	"blogcore/internal/websocket"
)

// RequestSummary is pushed to hub clients after each request.
type RequestSummary struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	Status     int    `json:"status"`
	DurationMS int64  `json:"duration_ms"`
}

// Realtime attaches the notifier to the request context and pushes a
// summary of every completed request to the hub. Upgrade requests are not
// reported.
func Realtime(notifier websocket.Notifier, logger *slog.Logger) Func {
	logger = infrastructure.WithComponent(logger, "realtime")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = r.WithContext(websocket.WithNotifier(r.Context(), notifier))
			if isUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			notifier.Broadcast(r.Context(), websocket.TypeRequest, RequestSummary{
				Method:     r.Method,
				Path:       r.URL.Path,
				Status:     status,
				DurationMS: time.Since(start).Milliseconds(),
			})
			logger.DebugContext(r.Context(), "request summary pushed",
				slog.Int("clients", notifier.ClientCount()))
		})
	}
}
