package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/vds-market/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware магазина VDS.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.With(custommiddleware.BotKey(h.botKey)).Post("/session", h.Session)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/profile", h.GetProfile)

			r.Post("/payments/fiat", h.CreateFiatPayment)
			r.Post("/payments/fiat/{id}/check", h.CheckFiatPayment)
			r.Post("/payments/crypto", h.CreateCryptoInvoice)
			r.Post("/payments/crypto/{id}/check", h.CheckCryptoInvoice)

			r.Get("/products", h.ListProducts)
			r.Get("/products/{id}", h.GetProduct)
			r.Post("/products/{id}/buy", h.Buy)

			r.Post("/promo", h.AssignPromoCode)
			r.Get("/purchases", h.ListPurchases)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(h.authMiddleware.AdminOnly)

		r.Post("/products", h.AddProduct)
		r.Post("/promo", h.CreatePromoCode)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
