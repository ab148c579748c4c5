package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/fieldscore/scoring-engine/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка начисления баллов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/engine", func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Post("/actions", h.RecordAction)

		r.Get("/profile/{userID}", h.GetProfile)
		r.Get("/leaderboard", h.GetLeaderboard)
		r.Get("/stores/{storeID}/compliance", h.GetStoreCompliance)
		r.Get("/badges", h.ListBadges)

		r.Get("/rules", h.ListPointRules)
		r.Put("/rules/{actionType}", h.UpdatePointRule)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
