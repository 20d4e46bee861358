package main

import (
	"database/sql"
	"net/http"
	"time"

	"callgrid/internal/auth"
	"callgrid/internal/calls"
	"callgrid/internal/httpapi"
	"callgrid/internal/signaling"
	"callgrid/internal/store"
	"callgrid/pkg/utils"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	auth      *auth.Manager
	store     store.Store
	calls     *calls.Service
	signaling *signaling.Server
	db        *sql.DB
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), deps.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The websocket endpoint authenticates itself before upgrading, so it
	// sits outside the bearer-token middleware.
	r.GET("/ws", deps.signaling.HandleWS)

	h := httpapi.Handlers{Auth: deps.auth, Store: deps.store, Calls: deps.calls}

	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(deps.auth))
	{
		v1.GET("/me", h.Me)
		v1.GET("/contacts", h.Contacts)

		callRoutes := v1.Group("/calls")
		{
			callRoutes.GET("/history", h.CallHistory)
			callRoutes.GET("/active", h.ActiveCalls)
			callRoutes.GET("/stats", h.CallStats)
			callRoutes.PUT("/:id/status", h.UpdateCallStatus)
		}
	}
}
