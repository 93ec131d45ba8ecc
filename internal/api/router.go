/**
 * @description
 * This file sets up the HTTP router for the settlement-service. Organizer and
 * contributor endpoints sit behind Clerk JWT auth, batch and bonus endpoints
 * behind the internal API key, and receipts are public but rate limited.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the public receipt page.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the auth and rate limit settings for NewRouter.
type RouterOptions struct {
	JWKSURL                   string
	InternalAPIKey            string
	ReceiptLimiter            RateLimiter
	ReceiptRateLimitPerMinute int
}

// NewRouter creates a new Chi router and registers the settlement-service routes.
func NewRouter(h *SettlementHandlers, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Get("/charities", h.ListCharitiesHandler)

	r.With(RateLimitMiddleware(opts.ReceiptLimiter, "receipt", opts.ReceiptRateLimitPerMinute)).
		Get("/receipts/{id}", h.GetReceiptHandler)

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(opts.InternalAPIKey))
		r.Get("/charities/{charityID}/pending", h.ListPendingDonationsHandler)
		r.Post("/charities/{charityID}/batches", h.CompleteBatchHandler)
		r.Post("/credits/{userID}/bonus", h.GrantBonusCreditHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(opts.JWKSURL))

		r.Post("/fees/quote", h.QuoteFeesHandler)

		r.Post("/gifts/{giftID}/settlements", h.CreateSettlementHandler)
		r.Get("/gifts/{giftID}/settlements", h.ListSettlementsHandler)
		r.Get("/gifts/{giftID}/refund-preview", h.RefundPreviewHandler)

		r.Get("/settlements/{id}", h.GetSettlementHandler)
		r.Post("/settlements/{id}/issue", h.IssueSettlementHandler)
		r.Post("/settlements/{id}/store-credit", h.StoreCreditHandler)

		r.Get("/credits/balance", h.CreditBalanceHandler)
		r.Get("/credits/history", h.CreditHistoryHandler)
		r.Post("/credits/spend", h.SpendCreditHandler)
	})

	return r
}
