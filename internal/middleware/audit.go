package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"blogcore/internal/config"
	"blogcore/internal/infrastructure"
)

// Publisher sends a payload to a named messaging backend.
type Publisher interface {
	Publish(ctx context.Context, backend, topic string, payload []byte, metadata map[string]string) error
}

// AccessRecord is the event published for every audited request.
type AccessRecord struct {
	TraceID    string    `json:"trace_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Route      string    `json:"route,omitempty"`
	Query      string    `json:"query,omitempty"`
	Status     int       `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	RemoteAddr string    `json:"remote_addr"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Audit publishes an AccessRecord per request to cfg.Backend/cfg.Topic.
// Paths starting with any IgnoreApis entry are skipped. Publish failures
// are logged and never change the response. publisher may be nil, in which
// case records are only logged at debug level.
func Audit(cfg config.AccessLogConfig, publisher Publisher, logger *slog.Logger) Func {
	logger = infrastructure.WithComponent(logger, "audit")
	ignored := make([]string, 0, len(cfg.IgnoreApis))
	for _, p := range cfg.IgnoreApis {
		if p = strings.TrimSpace(p); p != "" {
			ignored = append(ignored, strings.ToLower(p))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isIgnored(r.URL.Path, ignored) {
				next.ServeHTTP(w, r)
				return
			}

			r, info := ensureRequestInfo(r)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ctx := r.Context()
			record := AccessRecord{
				TraceID:    infrastructure.GetTraceID(ctx),
				Method:     r.Method,
				Path:       r.URL.Path,
				Route:      info.Route,
				Query:      r.URL.RawQuery,
				Status:     status,
				DurationMS: time.Since(start).Milliseconds(),
				RemoteAddr: ClientIP(r),
				UserAgent:  r.UserAgent(),
				Subject:    info.Subject,
				Timestamp:  start.UTC(),
			}

			payload, err := json.Marshal(record)
			if err != nil {
				logger.ErrorContext(ctx, "failed to encode access record", slog.String("error", err.Error()))
				return
			}
			if publisher == nil {
				logger.DebugContext(ctx, "access record", slog.String("record", string(payload)))
				return
			}
			meta := map[string]string{"content_type": "application/json"}
			if err := publisher.Publish(ctx, cfg.Backend, cfg.Topic, payload, meta); err != nil {
				logger.WarnContext(ctx, "failed to publish access record",
					slog.String("backend", cfg.Backend),
					slog.String("topic", cfg.Topic),
					slog.String("error", err.Error()))
			}
		})
	}
}

func isIgnored(path string, prefixes []string) bool {
	lower := strings.ToLower(path)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
