// Package routes binds the HTTP handlers to their paths
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowcore/api/handlers"
)

// RegisterBlueprintRoutes registers blueprint CRUD, revisions, and
// favorites
func RegisterBlueprintRoutes(e *echo.Echo, h *handlers.BlueprintHandler) {
	bp := e.Group("/api/v1/blueprints")
	{
		bp.POST("", h.Create)
		bp.GET("", h.List)
		bp.GET("/favorites", h.Favorites)
		bp.GET("/:id", h.Get)
		bp.PUT("/:id", h.Put)
		bp.PATCH("/:id", h.PatchNodes)
		bp.PATCH("/:id/document", h.ApplyPatch)
		bp.DELETE("/:id", h.Delete)
		bp.GET("/:id/revisions", h.Revisions)
		bp.GET("/:id/revisions/:rev", h.Revision)
		bp.POST("/:id/favorite", h.Favorite)
		bp.DELETE("/:id/favorite", h.Unfavorite)
	}
}

// RegisterRunRoutes registers run lifecycle routes
func RegisterRunRoutes(e *echo.Echo, h *handlers.RunHandler) {
	runs := e.Group("/api/v1/runs")
	{
		runs.POST("", h.Start)
		runs.GET("/:id", h.Get)
		runs.GET("/:id/events", h.Events)
		runs.GET("/:id/ws", h.EventsWS)
		runs.POST("/:id/cancel", h.Cancel)
		runs.POST("/:id/nodes/:node_id/decision", h.Decide)
	}
}
