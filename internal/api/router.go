package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/logen-app/logen/internal/identity"
	"github.com/logen-app/logen/internal/middleware"
)

// Handlers groups everything NewRouter mounts.
type Handlers struct {
	Issuer   *identity.Issuer
	Health   *HealthHandler
	Auth     *AuthHandler
	Wizard   *WizardHandler
	Requests *RequestHandler
	Admin    *AdminHandler

	AllowedOrigins []string
	// Frontend serves everything outside the API. Nil disables it.
	Frontend http.Handler
}

// NewRouter builds the HTTP routing tree: public health and refresh,
// /customer behind customer tokens and /admin behind admin tokens.
func NewRouter(h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(h.AllowedOrigins))

	h.Health.RegisterHealth(r)
	h.Auth.RegisterRoutes(r)

	r.Route("/customer", func(r chi.Router) {
		r.Use(identity.Middleware(h.Issuer, identity.RoleCustomer))
		h.Wizard.RegisterRoutes(r)
		h.Requests.RegisterRoutes(r)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(identity.Middleware(h.Issuer, identity.RoleAdmin))
		h.Admin.RegisterRoutes(r)
	})

	if h.Frontend != nil {
		r.Handle("/*", h.Frontend)
	}
	return r
}
