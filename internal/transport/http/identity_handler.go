package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	apierrors "blogcore/internal/errors"
	"blogcore/internal/security"
)

// IdentityResponse describes the caller as seen by the pipeline.
type IdentityResponse struct {
	Subject  string   `json:"subject"`
	Name     string   `json:"name,omitempty"`
	Roles    []string `json:"roles"`
	Scopes   []string `json:"scopes,omitempty"`
	Strategy string   `json:"strategy"`
	LoadTest bool     `json:"load_test,omitempty"`
}

// TokenRequest is the body of POST /api/login/token.
type TokenRequest struct {
	Subject string   `json:"subject" validate:"required,max=128"`
	Roles   []string `json:"roles" validate:"max=16,dive,required,max=64"`
}

// TokenResponse carries a freshly minted development token.
type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IdentityHandler serves identity endpoints
type IdentityHandler struct {
	strategy security.Strategy
	logger   *slog.Logger
}

// NewIdentityHandler creates a new identity handler
func NewIdentityHandler(strategy security.Strategy, logger *slog.Logger) *IdentityHandler {
	return &IdentityHandler{
		strategy: strategy,
		logger:   logger.With(slog.String("handler", "identity")),
	}
}

// WhoAmI handles GET /api/whoami
func (h *IdentityHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	id := security.IdentityFromContext(r.Context())
	if id == nil {
		apierrors.WriteError(w, r, apierrors.ErrUnauthorized)
		return
	}
	roles := id.Roles
	if roles == nil {
		roles = []string{}
	}
	strategy := id.Strategy.String()
	if id.Bypass {
		strategy = "bypass"
	}
	render.JSON(w, r, IdentityResponse{
		Subject:  id.Subject,
		Name:     id.Name,
		Roles:    roles,
		Scopes:   id.Scopes,
		Strategy: strategy,
		LoadTest: id.Bypass,
	})
}

// IssueToken handles POST /api/login/token. It is only routed in
// load-test mode with the token strategy active.
func (h *IdentityHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	issuer := h.strategy.Issuer()
	if issuer == nil {
		apierrors.WriteError(w, r, apierrors.ErrNotFound)
		return
	}

	var req TokenRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		apierrors.WriteError(w, r, apiErr)
		return
	}

	token, expires, err := issuer.Issue(req.Subject, req.Roles...)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to issue token", slog.String("error", err.Error()))
		apierrors.WriteError(w, r, apierrors.ErrInternalServer.WithCause(err))
		return
	}

	h.logger.InfoContext(r.Context(), "development token issued",
		slog.String("subject", req.Subject),
		slog.Any("roles", req.Roles))
	render.JSON(w, r, TokenResponse{Token: token, TokenType: "Bearer", ExpiresAt: expires.UTC()})
}
