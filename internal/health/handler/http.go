// Package handler serves the liveness and readiness endpoint.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is the database surface the health check needs.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Checker is an optional named subsystem check (e.g. the policy engine).
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler reports whether the API can serve traffic.
type HealthHandler struct {
	db     Pinger
	checks map[string]Checker
}

func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db, checks: make(map[string]Checker)}
}

// AddCheck registers a named subsystem check. Not safe after the router starts.
func (h *HealthHandler) AddCheck(name string, c Checker) {
	h.checks[name] = c
}

// Register mounts the health route on the unauthenticated root.
func (h *HealthHandler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Healthz)
}

// Healthz pings the database and every registered subsystem. Any failure
// returns 503 with the failing component named.
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := gin.H{"status": "ok"}
	healthy := true

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			status["database"] = err.Error()
			healthy = false
		}
	}
	for name, check := range h.checks {
		if err := check.HealthCheck(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
		}
	}

	if !healthy {
		status["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}
