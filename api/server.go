/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dispatch frontend

ROUTE GROUPS:
  /api/billers/*    Billers and their numbering sequences
  /api/invoices/*   Submission, drafts, status machine
  /api/jobs/*       Job billing parameters and snapshot locking
  /api/admin/*      Batch lock runs
  /api/audit        Audit trail

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public; actor
  attribution for audited operations comes from the X-Actor header.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Biller routes
		r.Route("/billers", func(r chi.Router) {
			r.Get("/", h.ListBillers)
			r.Post("/", h.CreateBiller)
			r.Get("/{id}", h.GetBiller)
			r.Get("/{id}/invoices", h.ListBillerInvoices)
			r.Get("/{id}/next-number", h.SuggestNextNumber)
			r.Post("/{id}/recompute-sequence", h.RecomputeSequence)
		})

		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			r.Post("/", h.SubmitInvoice)
			r.Post("/drafts", h.CreateDraft)
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/submit", h.SubmitDraft)
			r.Post("/{id}/status", h.TransitionInvoice)
		})

		// Job routes
		r.Route("/jobs", func(r chi.Router) {
			r.Put("/{id}/billing", h.SaveJobBilling)
			r.Get("/{id}/billing", h.GetJobBilling)
			r.Post("/{id}/time-entries", h.AddTimeEntry)
			r.Post("/{id}/lock-snapshot", h.LockSnapshot)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/lock-snapshots", h.LockAllSnapshots)
		})

		// Audit trail
		r.Get("/audit", h.ListAudit)
	})

	return r
}
