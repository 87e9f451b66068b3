package api

import (
	"context"
	"net/http"
	"time"
)

// PingFunc checks one dependency. A nil PingFunc is reported as disabled.
type PingFunc func(ctx context.Context) error

type HealthHandler struct {
	postgres PingFunc
	redis    PingFunc
	optional []namedCheck
	env      string
	version  string
}

type namedCheck struct {
	name string
	ping PingFunc
}

func NewHealthHandler(postgres, redis PingFunc, env, version string) *HealthHandler {
	return &HealthHandler{
		postgres: postgres,
		redis:    redis,
		env:      env,
		version:  version,
	}
}

// WithCheck adds a dependency whose failure degrades readiness without
// failing it.
func (h *HealthHandler) WithCheck(name string, ping PingFunc) *HealthHandler {
	h.optional = append(h.optional, namedCheck{name: name, ping: ping})
	return h
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	})
}

// Readiness fails only when Postgres is down. Redis backs the booking
// lock and the relay, both of which degrade rather than stop scheduling.
// The relay's subscription is reported separately: Redis can answer pings
// while no events are being forwarded.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string)
	status := "ok"

	if check(ctx, h.postgres, "postgres", deps) != nil {
		status = "error"
	}
	if check(ctx, h.redis, "redis", deps) != nil && status == "ok" {
		status = "degraded"
	}
	for _, c := range h.optional {
		if check(ctx, c.ping, c.name, deps) != nil && status == "ok" {
			status = "degraded"
		}
	}

	httpStatus := http.StatusOK
	if status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, ReadinessResponse{
		Status:       status,
		Version:      h.version,
		Env:          h.env,
		Dependencies: deps,
	})
}

func check(ctx context.Context, ping PingFunc, name string, deps map[string]string) error {
	if ping == nil {
		deps[name] = "disabled"
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := ping(pingCtx); err != nil {
		deps[name] = "down"
		return err
	}
	deps[name] = "ok"
	return nil
}
