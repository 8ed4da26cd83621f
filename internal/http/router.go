// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"proptrack/internal/http/handlers"
	"proptrack/internal/http/middleware"
	"proptrack/internal/infra"
	"proptrack/internal/modules/presence"
	"proptrack/internal/modules/tracking"
)

type RouterDeps struct {
	Sessions *tracking.Manager
	Fleet    *presence.Aggregator
	Index    handlers.NearbyIndex
	Trail    handlers.TrailReader
	Geocoder handlers.Geocoder
	Verifier infra.TokenVerifier
	Logger   *slog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(middleware.Recovery(logger), middleware.Logging(logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	trackingHandler := handlers.NewTrackingHandler(deps.Sessions)
	api.POST("/agents/me/tracking/start", trackingHandler.Start)
	api.POST("/agents/me/tracking/stop", trackingHandler.Stop)
	api.PUT("/agents/me/position", trackingHandler.ReportPosition)
	api.GET("/agents/me/state", trackingHandler.State)

	visitHandler := handlers.NewVisitHandler(deps.Sessions, deps.Geocoder)
	api.POST("/visits/check-in", visitHandler.CheckIn)
	api.POST("/visits/check-out", visitHandler.CheckOut)
	api.POST("/visits/verify", visitHandler.Verify)

	fleetHandler := handlers.NewFleetHandler(deps.Fleet, deps.Index, deps.Trail)
	fleet := api.Group("/fleet", middleware.RequireRole(middleware.RoleAdmin))
	fleet.GET("/presence", fleetHandler.Presence)
	fleet.GET("/nearby", fleetHandler.Nearby)
	fleet.GET("/agents/:id/trail", fleetHandler.Trail)

	return r
}
