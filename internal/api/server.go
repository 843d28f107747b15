// Package api provides the HTTP server for the Lantern billing platform.
// It exposes the credit ledger, charge, payout and distribution-rule
// endpoints behind bearer-token auth.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the Lantern HTTP API server.
type Server struct {
	handlers       *Handlers
	auth           *Auth
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(h *Handlers, auth *Auth) *Server {
	return &Server{handlers: h, auth: auth}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	// Health check for load balancers
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": "0.1.0",
		})
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Provider webhook: unauthenticated route, the payload signature is the
	// credential.
	r.Post("/v1/payouts/webhook", s.handlers.HandlePayoutWebhook)

	// Service API: charge and read paths
	r.Group(func(r chi.Router) {
		r.Use(s.auth.RequireService)

		r.Post("/v1/charges", s.handlers.HandleCharge)
		r.Post("/v1/reservations", s.handlers.HandleReserve)
		r.Post("/v1/reservations/{id}/release", s.handlers.HandleRelease)

		r.Get("/v1/accounts/{id}/balance", s.handlers.HandleBalance)
		r.Get("/v1/accounts/{id}/withdrawable", s.handlers.HandleWithdrawable)
		r.Get("/v1/accounts/{id}/entries", s.handlers.HandleEntries)
		r.Get("/v1/accounts/{id}/events", s.handlers.HandleEvents)
		r.Get("/v1/accounts/{id}/receivable", s.handlers.HandleReceivable)

		r.Post("/v1/payouts", s.handlers.HandleRequestPayout)
		r.Get("/v1/payouts/{id}", s.handlers.HandleGetPayout)

		r.Get("/v1/rules/active", s.handlers.HandleActiveRule)
		r.Get("/v1/pools/{id}", s.handlers.HandlePoolBalance)
	})

	// Admin API: money creation, payout control, governance, audit
	r.Group(func(r chi.Router) {
		r.Use(s.auth.RequireAdmin)

		r.Post("/v1/credits/mint", s.handlers.HandleMint)
		r.Post("/v1/credits/debit", s.handlers.HandleDebit)
		r.Post("/v1/reservations/{id}/finalize", s.handlers.HandleFinalize)
		r.Post("/v1/clawbacks", s.handlers.HandleClawback)

		r.Post("/v1/payouts/{id}/approve", s.handlers.HandleApprovePayout)
		r.Post("/v1/payouts/{id}/execute", s.handlers.HandleExecutePayout)

		r.Post("/v1/rules", s.handlers.HandleActivateRule)
		r.Get("/v1/rules", s.handlers.HandleRuleHistory)

		r.Get("/v1/reconcile", s.handlers.HandleReconcile)
	})

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}
