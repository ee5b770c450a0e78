// Package api wires the HTTP surface of the toolplane: middleware stack,
// routes, and the health/version endpoints.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/toolplane/toolplane/internal/api/handlers"
	"github.com/toolplane/toolplane/internal/api/middleware"
)

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(h *handlers.Handlers, version string) http.Handler {
	r := chi.NewRouter()

	// ── Middleware stack ─────────────────────────────────────
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Identity)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-User-ID", "X-Team-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	auth := middleware.NewAPIKeyAuth()
	r.Use(auth.Middleware)

	// ── Health & version ─────────────────────────────────────
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": version})
	})

	// ── API v1 ───────────────────────────────────────────────
	r.Route("/api/v1", func(r chi.Router) {
		// Tool servers
		r.Route("/servers", func(r chi.Router) {
			r.Get("/", h.ListToolServers)
			r.Post("/", h.CreateToolServer)
			r.Route("/{serverID}", func(r chi.Router) {
				r.Get("/", h.GetToolServer)
				r.Put("/", h.UpdateToolServer)
				r.Delete("/", h.DeleteToolServer)
				r.Post("/connect", h.ConnectToolServer)
				r.Post("/disconnect", h.DisconnectToolServer)
				r.Put("/credential", h.PutCredential)
				r.Delete("/credential", h.DeleteCredential)
			})
		})

		// Aggregated tool catalog
		r.Get("/tools", h.ListTools)

		// Agents
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.CreateAgent)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Put("/", h.UpdateAgent)
				r.Delete("/", h.DeleteAgent)
			})
		})

		// Confirmation policy
		r.Route("/policy", func(r chi.Router) {
			r.Get("/", h.GetConfirmPolicy)
			r.Put("/", h.SetConfirmPolicy)
		})

		// Per-user always-allow list
		r.Route("/allowed-tools", func(r chi.Router) {
			r.Get("/", h.ListAlwaysAllowed)
			r.Delete("/{toolID}", h.RemoveAlwaysAllowed)
		})

		// Pending confirmations
		r.Route("/confirmations", func(r chi.Router) {
			r.Get("/", h.ListConfirmations)
			r.Post("/{confirmationID}", h.ResolveConfirmation)
		})

		// Agent turns (SSE)
		r.Post("/turns", h.RunTurn)
	})

	return r
}
