package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Scheduler Scheduler
	Status    StatusTransitioner
	Health    *HealthHandler
	Realtime  http.Handler // GET /ws; nil disables it
	Metrics   http.Handler // GET /metrics; nil disables it
	Logger    zerolog.Logger
	JWTSecret string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	if cfg.Realtime != nil {
		r.Method(http.MethodGet, "/ws", cfg.Realtime)
	}

	h := &appointmentHandlers{scheduler: cfg.Scheduler, status: cfg.Status, logger: cfg.Logger}

	r.Get("/appointments/{id}", h.get)
	r.Get("/clinics/{clinicID}/appointments", h.list)

	r.Group(func(r chi.Router) {
		r.Use(ActorMiddleware(cfg.JWTSecret))
		r.Post("/appointments", h.create)
		r.Patch("/appointments/{id}", h.updateDetails)
		r.Post("/appointments/{id}/reschedule", h.reschedule)
		r.Post("/appointments/{id}/transitions", h.transition)
	})

	return r
}
