package http

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/render"

	"blogcore/internal/config"
	"blogcore/internal/messaging"
	"blogcore/internal/websocket"
)

// BackendStates reports the boot-time state of every messaging backend.
type BackendStates interface {
	States() map[string]messaging.State
}

// HubStats reports realtime hub counters.
type HubStats interface {
	Running() bool
	Stats() websocket.Stats
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string                     `json:"status"`
	Version   string                     `json:"version"`
	Strategy  string                     `json:"strategy"`
	Stages    []string                   `json:"stages"`
	Backends  map[string]messaging.State `json:"backends"`
	Realtime  *RealtimeStatus            `json:"realtime,omitempty"`
	Uptime    string                     `json:"uptime"`
	Timestamp time.Time                  `json:"timestamp"`
}

// RealtimeStatus is the hub section of the health report.
type RealtimeStatus struct {
	Running bool `json:"running"`
	websocket.Stats
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	strategy string
	backends BackendStates
	hub      HubStats
	stages   atomic.Pointer[[]string]
	started  time.Time
	logger   *slog.Logger
}

// NewHealthHandler creates a new health handler. backends and hub may be nil.
func NewHealthHandler(strategy string, backends BackendStates, hub HubStats, logger *slog.Logger) *HealthHandler {
	h := &HealthHandler{
		strategy: strategy,
		backends: backends,
		hub:      hub,
		started:  time.Now(),
		logger:   logger.With(slog.String("handler", "health")),
	}
	h.stages.Store(&[]string{})
	return h
}

// SetStages records the committed pipeline stages. The pipeline is built
// after its routes, so the list arrives late.
func (h *HealthHandler) SetStages(stages []string) {
	s := append([]string(nil), stages...)
	h.stages.Store(&s)
}

// Liveness handles GET /api/health
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// Report handles GET /healthz
func (h *HealthHandler) Report(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   config.AppVersion,
		Strategy:  h.strategy,
		Stages:    *h.stages.Load(),
		Backends:  map[string]messaging.State{},
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
	if h.backends != nil {
		resp.Backends = h.backends.States()
	}
	for name, state := range resp.Backends {
		if state == messaging.StateUnavailable {
			resp.Status = "degraded"
			h.logger.DebugContext(r.Context(), "backend unavailable", slog.String("backend", name))
		}
	}
	if h.hub != nil {
		resp.Realtime = &RealtimeStatus{Running: h.hub.Running(), Stats: h.hub.Stats()}
	}
	render.JSON(w, r, resp)
}
