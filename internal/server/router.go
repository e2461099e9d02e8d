package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vnresolve/vnr-reaper/internal/api"
)

// NewRouter assembles the ops API router.
func NewRouter(h *api.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(api.RequestLogger)
	r.Use(api.LimitBody)
	r.Use(api.ValidateContentType)

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/reaper", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Post("/trigger", h.TriggerCycle)
		r.Post("/wake", h.WakeSleeper)
		r.Get("/reap-time", h.GetReapTime)
		r.Put("/reap-time", h.PutReapTime)
	})

	return r
}
