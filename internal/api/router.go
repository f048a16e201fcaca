// Package api assembles the HTTP surface: the middleware pipeline and
// the route tree, with a policy gate per route group.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/metahuman-os/metahuman/internal/api/handlers"
	"github.com/metahuman-os/metahuman/internal/api/middleware"
	"github.com/metahuman-os/metahuman/internal/config"
	"github.com/metahuman-os/metahuman/internal/policy"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Session(h.Identity, h.Router))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	guard := func(op policy.Operation) func(http.Handler) http.Handler {
		return middleware.Guard(h.Mode, h.Auditor, op)
	}

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.Version)

	r.Route("/api", func(r chi.Router) {
		// Public surface
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)
		r.Get("/auth/me", h.Me)
		r.Post("/auth/reset-password", h.ResetPassword)
		r.Get("/profiles/list", h.ListProfiles)
		r.Get("/mode", h.GetMode)

		// Authenticated surface
		r.Group(func(r chi.Router) {
			r.Use(guard(policy.OpReadProfile))
			r.Post("/auth/logout", h.Logout)
			r.Get("/profile-path", h.GetProfilePath)
			r.Get("/agents", h.ListAgents)
			r.Get("/agents/logs/{name}", h.AgentLogs)
		})

		// Writes into the caller's own profile
		r.Group(func(r chi.Router) {
			r.Use(guard(policy.OpWriteProfile))
			r.Post("/profile-path", h.SetProfilePath)
		})

		// Agent lifecycle
		r.With(guard(policy.OpStartAgent)).Post("/agents/control", h.AgentControl)

		// Owner configuration
		r.With(guard(policy.OpMutateConfig)).Post("/mode", h.SetMode)
		r.With(guard(policy.OpManageUsers)).Post("/profiles/create", h.CreateProfile)

		// Owner-only surfaces without mode semantics: encryption and
		// the dataset view stay reachable under high security.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireOwner(h.Auditor))
			r.Post("/profile-path/encrypt", h.EncryptProfile)
			r.Post("/profile-path/decrypt", h.DecryptProfile)
			r.Get("/adapters", h.GetAdapters)
		})

		// Pipeline actions spawn workers.
		r.With(middleware.RequireOwner(h.Auditor), guard(policy.OpStartAgent)).
			Post("/adapters", h.PostAdapters)

		// Delete is owner-or-self; the handler does the fine check.
		r.With(guard(policy.OpReadProfile)).Post("/profiles/delete", h.DeleteProfile)
	})

	return r
}
