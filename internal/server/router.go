// Package server assembles the gin engine from the handler layers.
package server

import (
	"github.com/gin-gonic/gin"

	healthhandler "unnati-cloud-labs/backend/internal/health/handler"
	ledgerhandler "unnati-cloud-labs/backend/internal/ledger/handler"
	"unnati-cloud-labs/backend/internal/server/middleware"
	sessionhandler "unnati-cloud-labs/backend/internal/session/handler"
)

// Deps carries the fully constructed handlers and the token validator the
// router needs. Nil handlers are skipped, which keeps tests small.
type Deps struct {
	Tokens   middleware.TokenValidator
	Sessions *sessionhandler.SessionHandler
	Credits  *ledgerhandler.CreditsHandler
	Health   *healthhandler.HealthHandler
}

// NewRouter builds the API router: /healthz unauthenticated, everything under
// /api behind bearer auth.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.ClientIP())

	if deps.Health != nil {
		deps.Health.Register(r)
	}

	api := r.Group("/api")
	api.Use(middleware.RequireAuth(deps.Tokens))
	if deps.Sessions != nil {
		deps.Sessions.Register(api)
	}
	if deps.Credits != nil {
		deps.Credits.Register(api)
	}

	return r
}
