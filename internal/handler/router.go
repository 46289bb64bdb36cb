package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/whetstone1/budgetrank/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса budgetrank.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)

		r.Route("/api/user", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Post("/budget", h.AddBudget)
				r.Get("/subscription", h.GetSubscription)
				r.With(custommiddleware.RateLimit(h.limiter, "subscribe", h.logger)).
					Post("/subscribe", h.Subscribe)
			})
		})

		r.Get("/api/leaderboard", h.GetLeaderboard)

		r.Route("/api/prize-pool", func(r chi.Router) {
			r.Get("/", h.GetPrizePool)
			r.Get("/distributions/last", h.GetLastDistribution)
			r.Get("/distributions/{cycle}", h.GetDistribution)
		})

		r.With(h.adminAuth.Middleware).Post("/api/admin/distribute", h.Distribute)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
