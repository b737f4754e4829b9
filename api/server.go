/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Identity:   Caller from the gateway headers (/api/me, /api/admin)
  6. Operator:   Role check (/api/admin)

ROUTE GROUPS:
  /api/rewards       Public catalog
  /api/me/*          Caller's balance, history and redemptions
  /api/admin/*       Operator operations
  /api/scenarios/*   Demo scenarios (only with EnableScenarios)
  /healthz           Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - identity.go: Identity provider and role middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the router's optional settings.
type RouterConfig struct {
	Identity        IdentityProvider // defaults to GatewayHeaders
	AllowedOrigins  []string         // defaults to any origin
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	if cfg.Identity == nil {
		cfg.Identity = GatewayHeaders{}
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", HeaderParticipantID, HeaderParticipantRole},
		ExposedHeaders: []string{"Content-Disposition"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/rewards", h.ListRewards)

		// Caller's own data
		r.Route("/me", func(r chi.Router) {
			r.Use(RequireIdentity(cfg.Identity))
			r.Get("/balance", h.GetMyBalance)
			r.Get("/history", h.GetMyHistory)
			r.Get("/redemptions", h.ListMyRedemptions)
			r.Post("/redemptions", h.CreateMyRedemption)
		})

		// Operator routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireIdentity(cfg.Identity))
			r.Use(RequireOperator)

			r.Route("/participants", func(r chi.Router) {
				r.Get("/", h.ListParticipants)
				r.Post("/", h.CreateParticipant)
				r.Post("/{id}/deactivate", h.DeactivateParticipant)
				r.Post("/{id}/activate", h.ActivateParticipant)
				r.Get("/{id}/balance", h.GetParticipantBalance)
				r.Get("/{id}/history", h.GetParticipantHistory)
			})

			r.Post("/adjustments", h.CreateAdjustment)

			r.Route("/rewards", func(r chi.Router) {
				r.Get("/", h.ListAllRewards)
				r.Post("/", h.CreateReward)
				r.Put("/{id}", h.UpdateReward)
			})

			r.Route("/redemptions", func(r chi.Router) {
				r.Get("/", h.ListRedemptions)
				r.Post("/{id}/transition", h.TransitionRedemption)
			})

			r.Post("/import-csv", h.ImportCSV)
			r.Get("/export-ledger", h.ExportLedger)

			r.Post("/sync", h.TriggerSync)
			r.Get("/sync/runs", h.ListSyncRuns)
		})

		// Scenario routes
		if cfg.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}
	})

	return r
}
