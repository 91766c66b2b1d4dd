package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/logen-app/logen/internal/identity"
)

// AuthHandler exchanges recently expired tokens for fresh ones.
type AuthHandler struct {
	issuer   *identity.Issuer
	maxBytes int64
	now      func() time.Time
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(issuer *identity.Issuer, maxBytes int64) *AuthHandler {
	return &AuthHandler{issuer: issuer, maxBytes: maxBytes, now: time.Now}
}

// RegisterRoutes registers the public auth routes.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/refresh", h.Refresh)
}

type refreshRequest struct {
	Token string `json:"token"`
}

// Refresh accepts the old token in the Authorization header or the body.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := identity.TokenFromRequest(r)
	if token == "" {
		var body refreshRequest
		if err := decodeJSON(w, r, h.maxBytes, &body); err != nil {
			writeDecodeError(w, err)
			return
		}
		token = body.Token
	}
	if token == "" {
		Error(w, http.StatusUnauthorized, "missing token")
		return
	}

	fresh, exp, err := h.issuer.Refresh(token, h.now())
	if err != nil {
		Error(w, http.StatusUnauthorized, "token cannot be refreshed")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"token":     fresh,
		"expiresAt": exp,
	})
}
