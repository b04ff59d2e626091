package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/divaa/giftcard-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса подарочных карт.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/admin/login", h.AdminLogin)

		r.Group(func(r chi.Router) {
			r.Use(h.adminAuth.Middleware)

			r.Post("/admin/giftcards", h.IssueCard)
			r.Post("/admin/giftcards/batch", h.IssueBatch)
			r.Post("/admin/giftcards/bulk", h.UploadBulkOrders)
			r.Get("/admin/giftcards/{number}", h.GetCard)
			r.Post("/admin/giftcards/{number}/cancel", h.CancelCard)
			r.Post("/admin/giftcards/{number}/called", h.MarkCalled)
		})

		r.Post("/orders", h.CreateOrder)
		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/orders/{id}/giftcard", h.ApplyGiftCard)
		r.Delete("/orders/{id}/giftcard", h.RemoveGiftCard)
		r.Post("/orders/{id}/promo", h.ApplyPromo)
		r.Post("/orders/{id}/finalize", h.FinalizeOrder)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
