package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "blogcore/internal/errors"
	"blogcore/internal/messaging"
)

// Publisher sends a payload to a named messaging backend.
type Publisher interface {
	Publish(ctx context.Context, backend, topic string, payload []byte, metadata map[string]string) error
	State(name string) messaging.State
}

// PublishRequest is the body of POST /api/messages/{backend}/{topic}.
type PublishRequest struct {
	Payload  json.RawMessage   `json:"payload" validate:"required"`
	Metadata map[string]string `json:"metadata" validate:"max=32,dive,keys,required,max=64,endkeys,max=1024"`
}

// publishTarget holds the URL parameters. Topics are plain names so every
// broker accepts them.
type publishTarget struct {
	Backend string `validate:"required,max=32,alphanum"`
	Topic   string `validate:"required,max=128,excludesall=/\\ *>#+"`
}

// PublishResponse reports how the backend handled the message.
type PublishResponse struct {
	Backend   string          `json:"backend"`
	Topic     string          `json:"topic"`
	State     messaging.State `json:"state"`
	Published bool            `json:"published"`
}

// MessageHandler publishes messages on behalf of administrators
type MessageHandler struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(publisher Publisher, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		publisher: publisher,
		logger:    logger.With(slog.String("handler", "messages")),
	}
}

// Publish handles POST /api/messages/{backend}/{topic}. A disabled backend
// accepts the message as a no-op; an unreachable one yields a retryable 503.
func (h *MessageHandler) Publish(w http.ResponseWriter, r *http.Request) {
	target := publishTarget{
		Backend: chi.URLParam(r, "backend"),
		Topic:   chi.URLParam(r, "topic"),
	}
	if err := validate.Struct(target); err != nil {
		apierrors.WriteError(w, r, validationError(err))
		return
	}

	var req PublishRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		apierrors.WriteError(w, r, apiErr)
		return
	}

	err := h.publisher.Publish(r.Context(), target.Backend, target.Topic, req.Payload, req.Metadata)
	switch {
	case errors.Is(err, messaging.ErrUnknownBackend):
		apierrors.WriteError(w, r, apierrors.NotFoundError("backend "+target.Backend))
		return
	case errors.Is(err, messaging.ErrClosed):
		apierrors.WriteError(w, r, apierrors.Unavailable(err))
		return
	case err != nil:
		h.logger.WarnContext(r.Context(), "publish failed",
			slog.String("backend", target.Backend),
			slog.String("topic", target.Topic),
			slog.String("error", err.Error()))
		apierrors.WriteError(w, r, apierrors.Classify(err))
		return
	}

	state := h.publisher.State(target.Backend)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, PublishResponse{
		Backend:   target.Backend,
		Topic:     target.Topic,
		State:     state,
		Published: state == messaging.StateActive,
	})
}
